package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Reader is a forward-only, consume-once cursor over projected messages. Rows are
// materialized inside the originating transaction, so a Reader stays valid after the
// call that produced it returns.
type Reader struct {
	messages []*Message
	pos      int
}

// Next returns the next message, or nil when the reader is exhausted.
func (r *Reader) Next() *Message {
	if r.pos >= len(r.messages) {
		return nil
	}
	msg := r.messages[r.pos]
	r.pos++
	return msg
}

// Len returns the total number of messages this reader was built over, independent of
// cursor position.
func (r *Reader) Len() int {
	return len(r.messages)
}

// projectMessage maps a stored row into the typed projection, decoding the serialized
// quote ranges, contacts and previews and loading mention rows.
func (m *Manager) projectMessage(mr *messageRow) (*Message, error) {
	msg := &Message{
		ID:             MessageID(mr.ID),
		ThreadID:       ThreadID(mr.ThreadID),
		From:           RecipientID(mr.FromRecipientID),
		FromDeviceID:   mr.FromDeviceID,
		To:             RecipientID(mr.ToRecipientID),
		SentAt:         mr.DateSent,
		ReceivedAt:     mr.DateReceived,
		ServerAt:       mr.DateServer,
		Type:           mr.Type,
		Read:           mr.Read,
		Notified:       mr.Notified,
		ViewOnce:       mr.ViewOnce,
		Unidentified:   mr.Unidentified,
		RemoteDeleted:  mr.RemoteDeleted,
		MentionsSelf:   mr.MentionsSelf,
		ExpiresIn:      mr.ExpiresIn,
		ExpireStarted:  mr.ExpireStarted,
		DeliveryCount:  mr.DeliveryReceiptCount,
		ReadCount:      mr.ReadReceiptCount,
		ViewedCount:    mr.ViewedReceiptCount,
		ReceiptAt:      mr.ReceiptTimestamp,
		StoryType:      StoryType(mr.StoryType),
		ParentStoryID:  ParentStoryID(mr.ParentStoryID),
		ScheduledAt:    mr.ScheduledDate,
		Exported:       ExportStatus(mr.Exported),
		RevisionNumber: mr.RevisionNumber,
	}
	if mr.Body != nil {
		msg.Body = *mr.Body
	}
	if mr.ServerGUID != nil {
		msg.ServerGUID = *mr.ServerGUID
	}
	if mr.LatestRevisionID != nil {
		id := MessageID(*mr.LatestRevisionID)
		msg.LatestRevisionID = &id
	}
	if mr.OriginalMessageID != nil {
		id := MessageID(*mr.OriginalMessageID)
		msg.OriginalMessageID = &id
	}
	if mr.QuoteID != 0 || mr.QuoteAuthor != 0 {
		q := &Quote{
			TargetSent: uint64(mr.QuoteID),
			Author:     RecipientID(mr.QuoteAuthor),
			Type:       QuoteType(mr.QuoteType),
			Missing:    mr.QuoteMissing,
		}
		if mr.QuoteBody != nil {
			q.Body = *mr.QuoteBody
		}
		if mr.QuoteBodyRanges != nil {
			if err := json.Unmarshal(*mr.QuoteBodyRanges, &q.BodyRanges); err != nil {
				return nil, fmt.Errorf("store: error decoding quote ranges: %w", err)
			}
		}
		msg.Quote = q
	}
	if mr.MessageRanges != nil {
		if err := json.Unmarshal(*mr.MessageRanges, &msg.BodyRanges); err != nil {
			return nil, fmt.Errorf("store: error decoding body ranges: %w", err)
		}
	}
	if mr.SharedContacts != nil {
		if err := json.Unmarshal([]byte(*mr.SharedContacts), &msg.SharedContacts); err != nil {
			return nil, fmt.Errorf("store: error decoding shared contacts: %w", err)
		}
	}
	if mr.LinkPreviews != nil {
		if err := json.Unmarshal([]byte(*mr.LinkPreviews), &msg.LinkPreviews); err != nil {
			return nil, fmt.Errorf("store: error decoding link previews: %w", err)
		}
	}
	if mr.ExportState != nil {
		state := &ExportState{}
		if err := json.Unmarshal(*mr.ExportState, state); err != nil {
			return nil, fmt.Errorf("store: error decoding export state: %w", err)
		}
		msg.ExportState = state
	}
	mentions, err := m.db.mentionsForMessage(mr.ID)
	if err != nil {
		return nil, err
	}
	for _, mn := range mentions {
		msg.Mentions = append(msg.Mentions, Mention{RecipientID: RecipientID(mn.RecipientID), Start: mn.RangeStart, Length: mn.RangeLength})
	}
	return msg, nil
}

func (m *Manager) projectRows(mrs []*messageRow) ([]*Message, error) {
	messages := make([]*Message, 0, len(mrs))
	for _, mr := range mrs {
		msg, err := m.projectMessage(mr)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// MessagesForThread pages through a conversation newest-first. Stories, story
// replies living in the story viewer, scheduled messages and superseded revisions
// never appear.
func (m *Manager) MessagesForThread(threadID ThreadID, limit, offset int) (*Reader, error) {
	reader := &Reader{}
	err := m.db.Run("get thread messages", func() error {
		mrs, err := m.db.messagesInThread(int64(threadID), limit, offset)
		if err != nil {
			return err
		}
		reader.messages, err = m.projectRows(mrs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reader, nil
}

// MessageByID loads a single message by row id.
func (m *Manager) MessageByID(id MessageID) (*Message, error) {
	var msg *Message
	err := m.db.Run("get message", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		msg, err = m.projectMessage(mr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MessageFor resolves a message by its wire identity: sent timestamp plus author.
func (m *Manager) MessageFor(sentAt uint64, author RecipientID) (*Message, error) {
	var msg *Message
	err := m.db.Run("get message by identity", func() error {
		mr, err := m.db.messageBySentAndAuthor(sentAt, int64(author))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		msg, err = m.projectMessage(mr)
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// UnreadCount counts unread conversation-visible messages in a thread.
func (m *Manager) UnreadCount(threadID ThreadID) (int, error) {
	var count int
	err := m.db.Run("get unread count", func() error {
		var err error
		count, err = m.db.unreadCount(int64(threadID))
		return err
	})
	return count, err
}

// StoryID resolves a live story by author and sent timestamp.
func (m *Manager) StoryID(author RecipientID, sentAt uint64) (MessageID, error) {
	var id MessageID
	err := m.db.Run("get story id", func() error {
		mr, err := m.db.storyBySentAndAuthor(sentAt, int64(author))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting story: %w", err)
		}
		id = MessageID(mr.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ActiveStories returns the live stories in a thread, oldest first.
func (m *Manager) ActiveStories(threadID ThreadID) ([]*Message, error) {
	var messages []*Message
	err := m.db.Run("get stories", func() error {
		mrs, err := m.db.activeStories(int64(threadID))
		if err != nil {
			return err
		}
		messages, err = m.projectRows(mrs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// ScheduledMessages returns a thread's pending scheduled messages ordered by send
// time.
func (m *Manager) ScheduledMessages(threadID ThreadID) ([]*Message, error) {
	var messages []*Message
	err := m.db.Run("get scheduled messages", func() error {
		mrs, err := m.db.scheduledMessages(int64(threadID))
		if err != nil {
			return err
		}
		messages, err = m.projectRows(mrs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// QuotedBy returns the current-revision messages that quote the given wire identity.
func (m *Manager) QuotedBy(sentAt uint64, author RecipientID) ([]*Message, error) {
	var messages []*Message
	err := m.db.Run("get quoting messages", func() error {
		mrs, err := m.db.quotedBy(sentAt, int64(author))
		if err != nil {
			return err
		}
		messages, err = m.projectRows(mrs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}
