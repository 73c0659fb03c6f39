package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/veilchat/veil/internal/db"
	"github.com/veilchat/veil/msgtype"
)

// validateEditTarget enforces edit eligibility: remote-deleted, view-once and story
// rows can never be revised, and only the current revision of a chain may be targeted.
func validateEditTarget(mr *messageRow) error {
	if mr.RemoteDeleted || mr.ViewOnce || mr.StoryType != 0 || mr.LatestRevisionID != nil {
		return ErrInvalidEditTarget
	}
	return nil
}

// InsertIncomingEdit stores a new revision of a previously received message. The
// target is addressed the way the wire addresses it: by the sent timestamp of the
// revision being replaced, scoped to the editing author. Returns ErrNotFound when no
// such message exists so callers can park the edit and retry.
func (m *Manager) InsertIncomingEdit(targetSent uint64, msg *IncomingMessage) (*InsertResult, error) {
	result := &InsertResult{}
	err := m.db.Run("insert incoming edit", func() error {
		target, err := m.db.messageBySentAndAuthor(targetSent, int64(msg.From))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting edit target: %w", err)
		}
		if err := validateEditTarget(target); err != nil {
			return err
		}
		if !msgtype.IsInbox(target.Type) {
			return ErrInvalidEditTarget
		}
		cl := msg.Type
		if cl.Base == 0 {
			cl.Base = msgtype.BaseInboxType
		}
		mask, err := cl.Mask()
		if err != nil {
			return err
		}
		result.ThreadID = ThreadID(target.ThreadID)
		receivedAt := msg.ReceivedAt
		if receivedAt == 0 {
			receivedAt = m.clock.CurrentTimeMs()
		}
		origin := target.originalOrSelf()
		ranges, err := marshalRanges(msg.BodyRanges)
		if err != nil {
			return err
		}
		mr := &messageRow{
			DateSent:          msg.SentAt,
			DateReceived:      receivedAt,
			DateServer:        msg.ServerAt,
			ThreadID:          target.ThreadID,
			FromRecipientID:   int64(msg.From),
			FromDeviceID:      msg.FromDeviceID,
			ToRecipientID:     target.ToRecipientID,
			Type:              mask,
			Body:              nullable(msg.Body),
			Read:              target.Read,
			ReceiptTimestamp:  -1,
			ExpiresIn:         target.ExpiresIn,
			ExpireStarted:     target.ExpireStarted,
			Unidentified:      msg.Unidentified,
			ServerGUID:        nullable(msg.ServerGUID),
			MessageRanges:     ranges,
			MentionsSelf:      mentionsSelf(msg.Mentions, m.selfID),
			ScheduledDate:     NoScheduledDate,
			ReactionsLastSeen: -1,
			OriginalMessageID: &origin,
			RevisionNumber:    target.RevisionNumber + 1,
		}
		applyQuote(mr, msg.Quote)
		id, err := m.db.insertMessage(mr)
		if db.IsUniqueViolation(err) {
			m.log.Debugf("duplicate edit sent=%d from=%d", msg.SentAt, msg.From)
			result.Duplicate = true
			return nil
		} else if err != nil {
			return fmt.Errorf("store: error inserting edit: %w", err)
		}
		result.MessageID = MessageID(id)
		if err := m.insertChildren(id, target.ThreadID, msg.Mentions, msg.Quote, msg.Attachments, msg.SharedContacts, msg.LinkPreviews); err != nil {
			return err
		}
		if err := m.applyEditChain(id, target, msg.Quote != nil, len(msg.Attachments) != 0); err != nil {
			return err
		}
		if _, err := m.updateThread(target.ThreadID, false, false); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageInserted(MessageID(id), ThreadID(target.ThreadID))
			m.observer.MessageUpdated(MessageID(origin), ThreadID(target.ThreadID))
		})
		if len(msg.Attachments) != 0 {
			m.enqueueAttachmentDownload(MessageID(id))
		}
		if msg.Body != "" {
			m.enqueueSearchIndexOptimize()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applyEditChain makes a freshly inserted revision the head of its chain. Every older
// revision is re-pointed at it; a revision without its own quote inherits the
// replaced revision's quote, and one without attachments inherits copies of the
// replaced revision's. Reactions always follow the head.
func (m *Manager) applyEditChain(newID int64, target *messageRow, hasQuote, hasAttachments bool) error {
	origin := target.originalOrSelf()
	if _, err := m.db.Tx.Exec("UPDATE messages SET latest_revision_id = $1 WHERE (id = $2 OR original_message_id = $2) AND id != $1", newID, origin); err != nil {
		return fmt.Errorf("store: error rewriting edit chain: %w", err)
	}
	if !hasQuote && target.QuoteID != 0 {
		if _, err := m.db.Tx.Exec("UPDATE messages SET quote_id = $1, quote_author = $2, quote_body = $3, quote_missing = $4, quote_body_ranges = $5, quote_type = $6 WHERE id = $7",
			target.QuoteID, target.QuoteAuthor, target.QuoteBody, target.QuoteMissing, target.QuoteBodyRanges, target.QuoteType, newID); err != nil {
			return fmt.Errorf("store: error carrying quote forward: %w", err)
		}
	}
	if !hasAttachments {
		if err := m.attachments.DuplicateAttachmentsForMessage(MessageID(newID), MessageID(target.ID), nil); err != nil {
			return fmt.Errorf("store: error duplicating attachments: %w", err)
		}
	}
	return m.db.moveReactions(newID, target.ID)
}

// EditHistory returns every revision of the chain containing the given message,
// oldest first.
func (m *Manager) EditHistory(id MessageID) ([]*Message, error) {
	var history []*Message
	err := m.db.Run("get edit history", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		mrs, err := m.db.editHistory(mr.originalOrSelf())
		if err != nil {
			return err
		}
		history = make([]*Message, 0, len(mrs))
		for _, row := range mrs {
			msg, err := m.projectMessage(row)
			if err != nil {
				return err
			}
			history = append(history, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return history, nil
}
