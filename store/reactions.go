package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// AddReaction upserts a reaction; one reaction per author per message, the newest
// replacing any earlier one. Reactions from others flag the target message so its
// author can be told about them.
func (m *Manager) AddReaction(id MessageID, r *Reaction) error {
	return m.db.Run("add reaction", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		// reactions always live on the chain head
		if mr, err = m.db.headOf(mr); err != nil {
			return err
		}
		receivedAt := r.ReceivedAt
		if receivedAt == 0 {
			receivedAt = m.clock.CurrentTimeMs()
		}
		rr := &reactionRow{MessageID: mr.ID, AuthorID: int64(r.Author), Emoji: r.Emoji, DateSent: r.SentAt, DateReceived: receivedAt}
		if err := m.db.insertReaction(rr); err != nil {
			return err
		}
		if r.Author != m.selfID {
			if _, err := m.db.Tx.Exec("UPDATE messages SET reactions_unread = 1 WHERE id = $1", mr.ID); err != nil {
				return fmt.Errorf("store: error flagging reaction: %w", err)
			}
		}
		m.db.AfterCommit(func() {
			m.observer.MessageUpdated(id, ThreadID(mr.ThreadID))
		})
		return nil
	})
}

// RemoveReaction deletes an author's reaction from a message.
func (m *Manager) RemoveReaction(id MessageID, author RecipientID) error {
	return m.db.Run("remove reaction", func() error {
		mr, err := m.db.messageByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting message: %w", err)
		}
		if mr, err = m.db.headOf(mr); err != nil {
			return err
		}
		if err := m.db.deleteReaction(mr.ID, int64(author)); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageUpdated(id, ThreadID(mr.ThreadID))
		})
		return nil
	})
}

// ReactionsForMessage returns a message's reactions in arrival order.
func (m *Manager) ReactionsForMessage(id MessageID) ([]*Reaction, error) {
	var reactions []*Reaction
	err := m.db.Run("get reactions", func() error {
		rrs, err := m.db.reactionsForMessage(int64(id))
		if err != nil {
			return err
		}
		reactions = make([]*Reaction, 0, len(rrs))
		for _, rr := range rrs {
			reactions = append(reactions, &Reaction{
				MessageID:  MessageID(rr.MessageID),
				Author:     RecipientID(rr.AuthorID),
				Emoji:      rr.Emoji,
				SentAt:     rr.DateSent,
				ReceivedAt: rr.DateReceived,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// GroupReceiptInfo is the per-member delivery state of a group send.
type GroupReceiptInfo struct {
	Recipient RecipientID
	Status    int
	Timestamp int64
}

// GroupReceipts returns per-member receipt state for an outgoing group message.
func (m *Manager) GroupReceipts(id MessageID) ([]*GroupReceiptInfo, error) {
	var infos []*GroupReceiptInfo
	err := m.db.Run("get group receipts", func() error {
		grs, err := m.db.groupReceiptsForMessage(int64(id))
		if err != nil {
			return err
		}
		infos = make([]*GroupReceiptInfo, 0, len(grs))
		for _, gr := range grs {
			infos = append(infos, &GroupReceiptInfo{Recipient: RecipientID(gr.RecipientID), Status: gr.Status, Timestamp: gr.Timestamp})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return infos, nil
}

// StorySendAllowsReplies reports whether any copy of a story shared with the
// recipient permits replies.
func (m *Manager) StorySendAllowsReplies(recipient RecipientID, sentAt uint64) (bool, error) {
	var allowed bool
	err := m.db.Run("check story replies", func() error {
		var err error
		allowed, err = m.db.storySendAllowsReplies(int64(recipient), sentAt)
		return err
	})
	return allowed, err
}
