package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veilchat/veil/msgtype"
)

// MarkRead marks a single message read and starts its expiry timer if it carries one.
func (m *Manager) MarkRead(id MessageID) error {
	return m.db.Run("mark read", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if mr.Read {
			return nil
		}
		now := m.clock.CurrentTimeMs()
		expireStarted := mr.ExpireStarted
		if mr.ExpiresIn > 0 && expireStarted == 0 {
			expireStarted = now
		}
		if _, err := m.db.Tx.Exec("UPDATE messages SET read = 1, expire_started = $1 WHERE id = $2", expireStarted, mr.ID); err != nil {
			return fmt.Errorf("store: error marking read: %w", err)
		}
		if err := m.updateThreadReadState(mr.ThreadID); err != nil {
			return err
		}
		m.afterCommitNotifyConversation(mr.ThreadID)
		return nil
	})
}

// MarkViewed marks messages as viewed locally: read, with expiry running. Returns the
// ids whose state actually changed.
func (m *Manager) MarkViewed(ids []MessageID) ([]MessageID, error) {
	var changed []MessageID
	err := m.db.Run("mark viewed", func() error {
		now := m.clock.CurrentTimeMs()
		threads := make(map[int64]bool)
		for _, id := range ids {
			mr, err := m.db.messageByID(int64(id))
			if errors.Is(err, sql.ErrNoRows) {
				continue
			} else if err != nil {
				return fmt.Errorf("store: error getting message: %w", err)
			}
			expireStarted := mr.ExpireStarted
			if mr.ExpiresIn > 0 && expireStarted == 0 {
				expireStarted = now
			}
			if mr.Read && expireStarted == mr.ExpireStarted {
				continue
			}
			if _, err := m.db.Tx.Exec("UPDATE messages SET read = 1, expire_started = $1 WHERE id = $2", expireStarted, mr.ID); err != nil {
				return fmt.Errorf("store: error marking viewed: %w", err)
			}
			changed = append(changed, id)
			threads[mr.ThreadID] = true
		}
		for threadID := range threads {
			if err := m.updateThreadReadState(threadID); err != nil {
				return err
			}
			m.afterCommitNotifyConversation(threadID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// MarkNotified records that a notification has been shown for a message.
func (m *Manager) MarkNotified(id MessageID) error {
	return m.db.Run("mark notified", func() error {
		if _, err := m.db.Tx.Exec("UPDATE messages SET notified = 1, notified_timestamp = $1 WHERE id = $2", m.clock.CurrentTimeMs(), int64(id)); err != nil {
			return fmt.Errorf("store: error marking notified: %w", err)
		}
		return nil
	})
}

// MarkExpireStarted starts a message's expiry countdown. When a countdown is already
// running the earlier start wins, so racing devices can only shorten a message's
// remaining lifetime, never extend it.
func (m *Manager) MarkExpireStarted(id MessageID, startedAt uint64) error {
	return m.db.Run("mark expire started", func() error {
		if startedAt == 0 {
			startedAt = m.clock.CurrentTimeMs()
		}
		if _, err := m.db.Tx.Exec("UPDATE messages SET expire_started = CASE WHEN expire_started > 0 THEN MIN(expire_started, $1) ELSE $1 END WHERE id = $2", startedAt, int64(id)); err != nil {
			return fmt.Errorf("store: error starting expiry: %w", err)
		}
		return nil
	})
}

// MarkSendFailed transitions an outgoing message to the terminal failed state.
func (m *Manager) MarkSendFailed(id MessageID) error {
	return m.UpdateTypeBits(id, msgtype.BaseTypeMask, msgtype.BaseSentFailedType, false)
}

// UpdateTypeBits clears then sets bits on a message's type mask. Silent updates
// refresh only the thread snippet type so conversation-list consumers are not woken.
func (m *Manager) UpdateTypeBits(id MessageID, clear, set uint64, silent bool) error {
	return m.db.Run("update type bits", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if err := m.db.updateTypeBits(mr.ID, clear, set); err != nil {
			return err
		}
		if silent {
			return m.updateSnippetTypeSilently(mr.ThreadID)
		}
		if _, err := m.updateThread(mr.ThreadID, false, false); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageUpdated(id, ThreadID(mr.ThreadID))
		})
		return nil
	})
}

// MarkRemoteDeleted applies a sender-side retraction: content is destroyed in place
// but the row survives as a tombstone. Older revisions of an edited message are
// removed entirely, and anything quoting the message has its quote flagged missing.
// Reports whether any attachments were removed.
func (m *Manager) MarkRemoteDeleted(id MessageID) (bool, error) {
	var attachmentsRemoved bool
	err := m.db.Run("mark remote deleted", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		// a retraction of any revision takes down the whole chain
		if mr, err = m.db.headOf(mr); err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec(`UPDATE messages SET
				remote_deleted = 1, read = 1, body = NULL, message_ranges = NULL,
				quote_id = 0, quote_author = 0, quote_body = NULL, quote_missing = 0, quote_body_ranges = NULL, quote_type = 0,
				shared_contacts = NULL, link_previews = NULL, view_once = 0
			WHERE id = $1`, mr.ID); err != nil {
			return fmt.Errorf("store: error marking remote deleted: %w", err)
		}
		if err := m.db.deleteMentionsForMessage(mr.ID); err != nil {
			return err
		}
		if err := m.db.deleteReactionsForMessage(mr.ID); err != nil {
			return err
		}
		attachmentsRemoved, err = m.attachments.DeleteAttachmentsForMessage(id)
		if err != nil {
			return fmt.Errorf("store: error deleting attachments: %w", err)
		}
		// quotes address the chain by its original sent timestamp
		quoteSent := mr.DateSent
		quoteAuthor := mr.FromRecipientID
		origin := mr.originalOrSelf()
		if origin != mr.ID {
			originRow, err := m.db.messageByID(origin)
			if err != nil {
				return fmt.Errorf("store: error getting chain origin: %w", err)
			}
			quoteSent = originRow.DateSent
			quoteAuthor = originRow.FromRecipientID
			// detach the tombstone before deleting the origin, or the cascade on
			// original_message_id would take it down too
			if _, err := m.db.Tx.Exec("UPDATE messages SET original_message_id = NULL, revision_number = 0 WHERE id = $1", mr.ID); err != nil {
				return fmt.Errorf("store: error detaching tombstone: %w", err)
			}
			if _, err := m.db.Tx.Exec("DELETE FROM messages WHERE (id = $1 OR original_message_id = $1) AND id != $2", origin, mr.ID); err != nil {
				return fmt.Errorf("store: error deleting old revisions: %w", err)
			}
		}
		if _, err := m.db.Tx.Exec("UPDATE messages SET quote_missing = 1 WHERE quote_id = $1 AND quote_author = $2", quoteSent, quoteAuthor); err != nil {
			return fmt.Errorf("store: error flagging quotes: %w", err)
		}
		if _, err := m.updateThread(mr.ThreadID, false, false); err != nil {
			return err
		}
		if err := m.updateThreadReadState(mr.ThreadID); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageUpdated(id, ThreadID(mr.ThreadID))
			if attachmentsRemoved {
				m.observer.AttachmentsUpdated()
			}
		})
		return nil
	})
	return attachmentsRemoved, err
}

// MarkExported flags a message as copied out by the export pipeline.
func (m *Manager) MarkExported(id MessageID) error {
	return m.setExported(id, ExportStatusExported)
}

// MarkExportFailed flags a message as having failed export.
func (m *Manager) MarkExportFailed(id MessageID) error {
	return m.setExported(id, ExportStatusError)
}

func (m *Manager) setExported(id MessageID, status ExportStatus) error {
	return m.db.Run("set exported", func() error {
		if _, err := m.db.Tx.Exec("UPDATE messages SET exported = $1 WHERE id = $2", int(status), int64(id)); err != nil {
			return fmt.Errorf("store: error setting export status: %w", err)
		}
		return nil
	})
}

// SetExportState stores the export progress blob for a message.
func (m *Manager) SetExportState(id MessageID, state *ExportState) error {
	return m.db.Run("set export state", func() error {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("store: error encoding export state: %w", err)
		}
		if _, err := m.db.Tx.Exec("UPDATE messages SET export_state = $1 WHERE id = $2", b, int64(id)); err != nil {
			return fmt.Errorf("store: error setting export state: %w", err)
		}
		return nil
	})
}

// ExportStateFor loads the export progress blob for a message, or an empty state when
// none has been stored.
func (m *Manager) ExportStateFor(id MessageID) (*ExportState, error) {
	state := &ExportState{}
	err := m.db.Run("get export state", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if mr.ExportState == nil {
			return nil
		}
		if err := json.Unmarshal(*mr.ExportState, state); err != nil {
			return fmt.Errorf("store: error decoding export state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// DeleteMessage removes a message and its children. Deleting the head of an edit
// chain first promotes the next-newest revision to head; the chain pointers must be
// rewritten before the delete or the cascade on latest_revision_id would take the
// whole chain with it. Reports whether the containing thread was deleted too.
func (m *Manager) DeleteMessage(id MessageID) (bool, error) {
	var threadDeleted bool
	err := m.db.Run("delete message", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if mr.LatestRevisionID == nil {
			origin := mr.originalOrSelf()
			prev, err := m.db.previousRevision(origin, mr.ID)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("store: error getting previous revision: %w", err)
			}
			if err == nil {
				if _, err := m.db.Tx.Exec("UPDATE messages SET latest_revision_id = NULL WHERE id = $1", prev.ID); err != nil {
					return fmt.Errorf("store: error promoting revision: %w", err)
				}
				if _, err := m.db.Tx.Exec("UPDATE messages SET latest_revision_id = $1 WHERE latest_revision_id = $2", prev.ID, mr.ID); err != nil {
					return fmt.Errorf("store: error re-pointing edit chain: %w", err)
				}
				if err := m.db.moveReactions(prev.ID, mr.ID); err != nil {
					return err
				}
			}
		}
		if _, err := m.attachments.DeleteAttachmentsForMessage(id); err != nil {
			return fmt.Errorf("store: error deleting attachments: %w", err)
		}
		if err := m.db.deleteMessageRow(mr.ID); err != nil {
			return err
		}
		stillExists, err := m.updateThread(mr.ThreadID, false, true)
		if err != nil {
			return err
		}
		threadDeleted = !stillExists
		if stillExists {
			if err := m.updateThreadReadState(mr.ThreadID); err != nil {
				return err
			}
		}
		m.afterCommitNotifyConversation(mr.ThreadID)
		return nil
	})
	return threadDeleted, err
}

// DeleteScheduledMessage removes a message that has not yet been sent.
func (m *Manager) DeleteScheduledMessage(id MessageID) error {
	return m.db.Run("delete scheduled message", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if mr.ScheduledDate == NoScheduledDate {
			return ErrNotFound
		}
		if _, err := m.attachments.DeleteAttachmentsForMessage(id); err != nil {
			return fmt.Errorf("store: error deleting attachments: %w", err)
		}
		if err := m.db.deleteMessageRow(mr.ID); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.ScheduledMessageUpdated(id, ThreadID(mr.ThreadID))
		})
		return nil
	})
}
