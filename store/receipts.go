package store

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// ReceiptKind is the acknowledgement level carried by a receipt.
type ReceiptKind int

const (
	ReceiptDelivery ReceiptKind = iota
	ReceiptRead
	ReceiptViewed
)

func (k ReceiptKind) String() string {
	switch k {
	case ReceiptDelivery:
		return "delivery"
	case ReceiptRead:
		return "read"
	case ReceiptViewed:
		return "viewed"
	default:
		return "unknown"
	}
}

func (k ReceiptKind) column() string {
	switch k {
	case ReceiptRead:
		return "read_receipt_count"
	case ReceiptViewed:
		return "viewed_receipt_count"
	default:
		return "delivery_receipt_count"
	}
}

func (k ReceiptKind) groupStatus() int {
	switch k {
	case ReceiptRead:
		return GroupReceiptStatusRead
	case ReceiptViewed:
		return GroupReceiptStatusViewed
	default:
		return GroupReceiptStatusDelivered
	}
}

// EarlyReceipt accumulates delivery receipts that arrived before the message they
// acknowledge.
type EarlyReceipt struct {
	Count     int
	Timestamp uint64
}

// EarlyReceiptCache holds delivery receipts keyed by the sent timestamp they target,
// bounded by evicting the oldest timestamp entry.
type EarlyReceiptCache struct {
	mtx    sync.Mutex
	max    int
	order  []uint64
	bySent map[uint64]map[RecipientID]EarlyReceipt
}

func NewEarlyReceiptCache(max int) *EarlyReceiptCache {
	return &EarlyReceiptCache{
		max:    max,
		bySent: make(map[uint64]map[RecipientID]EarlyReceipt),
	}
}

func (c *EarlyReceiptCache) Increment(sentAt uint64, author RecipientID, timestamp uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	byAuthor, ok := c.bySent[sentAt]
	if !ok {
		if len(c.order) >= c.max {
			evicted := c.order[0]
			c.order = c.order[1:]
			delete(c.bySent, evicted)
		}
		byAuthor = make(map[RecipientID]EarlyReceipt)
		c.bySent[sentAt] = byAuthor
		c.order = append(c.order, sentAt)
	}
	er := byAuthor[author]
	er.Count++
	if timestamp > er.Timestamp {
		er.Timestamp = timestamp
	}
	byAuthor[author] = er
}

// Remove takes every early receipt held for a sent timestamp out of the cache.
func (c *EarlyReceiptCache) Remove(sentAt uint64) map[RecipientID]EarlyReceipt {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	byAuthor, ok := c.bySent[sentAt]
	if !ok {
		return nil
	}
	delete(c.bySent, sentAt)
	if i := slices.Index(c.order, sentAt); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	return byAuthor
}

func (c *EarlyReceiptCache) Size() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.bySent)
}

type receiptTarget struct {
	ID        int64 `db:"id"`
	ThreadID  int64 `db:"thread_id"`
	StoryType int   `db:"story_type"`
}

// ApplyReceipt reconciles a single receipt. Reports whether it matched a stored
// message; an unmatched delivery receipt goes into the early cache and counts as
// handled.
func (m *Manager) ApplyReceipt(target uint64, author RecipientID, receiptAt uint64, kind ReceiptKind) (bool, error) {
	unhandled, err := m.ApplyReceipts([]uint64{target}, author, receiptAt, kind)
	if err != nil {
		return false, err
	}
	return len(unhandled) == 0, nil
}

// ApplyReceipts reconciles a batch of receipts from one author against our outgoing
// messages. The counter increment and first-receipt timestamp land in one conditional
// UPDATE so concurrent receipts for the same row never race. Returns the sent
// timestamps that matched nothing.
func (m *Manager) ApplyReceipts(targets []uint64, author RecipientID, receiptAt uint64, kind ReceiptKind) ([]uint64, error) {
	var unhandled []uint64
	err := m.db.Run("apply receipts", func() error {
		threads := make(map[int64]bool)
		for _, target := range targets {
			rows, err := m.applyReceiptTx(target, author, receiptAt, kind)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				if kind == ReceiptDelivery {
					m.log.Debugf("caching early delivery receipt for sent=%d from=%d", target, author)
					m.earlyReceipts.Increment(target, author, receiptAt)
				} else {
					unhandled = append(unhandled, target)
				}
				continue
			}
			for _, row := range rows {
				threads[row.ThreadID] = true
			}
		}
		for threadID := range threads {
			m.afterCommitNotifyConversation(threadID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return unhandled, nil
}

// applyReceiptTx matches one receipt inside the current transaction. Receipts only
// ever acknowledge rows we sent: either directly to the receipt author or into a
// group thread the author can see. Story receipts fan out across every copy of the
// story shared with the author.
func (m *Manager) applyReceiptTx(target uint64, author RecipientID, receiptAt uint64, kind ReceiptKind) ([]receiptTarget, error) {
	column := kind.column()
	query := fmt.Sprintf(`UPDATE messages SET
			%[1]s = %[1]s + 1,
			receipt_timestamp = CASE WHEN %[1]s = 0 THEN MAX(receipt_timestamp, $1) ELSE receipt_timestamp END
		WHERE date_sent = $2 AND from_recipient_id = $3
			AND (to_recipient_id = $4 OR thread_id IN (SELECT id FROM threads WHERE is_group = 1))
			AND scheduled_date = -1 AND latest_revision_id IS NULL
		RETURNING id, thread_id, story_type`, column)
	var updated []receiptTarget
	rows, err := m.db.Tx.Queryx(query, int64(receiptAt), target, int64(m.selfID), int64(author))
	if err != nil {
		return nil, fmt.Errorf("store: error applying receipt: %w", err)
	}
	for rows.Next() {
		rt := receiptTarget{}
		if err := rows.StructScan(&rt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: error scanning receipt target: %w", err)
		}
		updated = append(updated, rt)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error applying receipt: %w", err)
	}
	seen := make(map[int64]bool, len(updated))
	for _, rt := range updated {
		seen[rt.ID] = true
		if err := m.db.updateGroupReceipt(rt.ID, int64(author), kind.groupStatus(), int64(receiptAt)); err != nil {
			return nil, err
		}
	}
	storyIDs, err := m.db.storyMessageIDsFor(int64(author), target)
	if err != nil {
		return nil, err
	}
	for _, id := range storyIDs {
		if seen[id] {
			continue
		}
		query := fmt.Sprintf(`UPDATE messages SET
				%[1]s = %[1]s + 1,
				receipt_timestamp = CASE WHEN %[1]s = 0 THEN MAX(receipt_timestamp, $1) ELSE receipt_timestamp END
			WHERE id = $2 RETURNING id, thread_id, story_type`, column)
		rt := receiptTarget{}
		if err := m.db.Tx.Get(&rt, query, int64(receiptAt), id); err != nil {
			return nil, fmt.Errorf("store: error applying story receipt: %w", err)
		}
		if err := m.db.updateGroupReceipt(rt.ID, int64(author), kind.groupStatus(), int64(receiptAt)); err != nil {
			return nil, err
		}
		updated = append(updated, rt)
	}
	return updated, nil
}

// SetTimestampRead applies a read sync from one of our linked devices: the message was
// read elsewhere, so mark it read here and start its expiry timer. When both sides
// raced, the earlier expiry start wins so the message never gains lifetime.
func (m *Manager) SetTimestampRead(sentAt uint64, author RecipientID, readAt uint64) ([]MessageID, error) {
	var changed []MessageID
	err := m.db.Run("set timestamp read", func() error {
		now := m.clock.CurrentTimeMs()
		proposed := readAt
		if proposed == 0 || proposed > now {
			proposed = now
		}
		var mrs []*messageRow
		if err := m.db.Tx.Select(&mrs, "SELECT * FROM messages WHERE date_sent = $1 AND from_recipient_id = $2 AND scheduled_date = -1 AND latest_revision_id IS NULL", sentAt, int64(author)); err != nil {
			return fmt.Errorf("store: error getting read sync targets: %w", err)
		}
		threads := make(map[int64]uint64)
		for _, mr := range mrs {
			expireStarted := mr.ExpireStarted
			if mr.ExpiresIn > 0 {
				if expireStarted == 0 || proposed < expireStarted {
					expireStarted = proposed
				}
			}
			if _, err := m.db.Tx.Exec("UPDATE messages SET read = 1, reactions_unread = 0, expire_started = $1 WHERE id = $2", expireStarted, mr.ID); err != nil {
				return fmt.Errorf("store: error applying read sync: %w", err)
			}
			changed = append(changed, MessageID(mr.ID))
			if mr.DateReceived > threads[mr.ThreadID] {
				threads[mr.ThreadID] = mr.DateReceived
			}
		}
		for threadID, lastSeen := range threads {
			if err := m.updateThreadReadState(threadID); err != nil {
				return err
			}
			if _, err := m.db.Tx.Exec("UPDATE threads SET last_seen = MAX(last_seen, $1) WHERE id = $2", lastSeen, threadID); err != nil {
				return fmt.Errorf("store: error setting last seen: %w", err)
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
