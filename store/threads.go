package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/veilchat/veil/msgtype"
)

// getOrCreateThread finds the thread for a recipient, creating it on first contact.
func (m *Manager) getOrCreateThread(recipientID RecipientID, isGroup bool) (int64, error) {
	tr, err := m.db.threadByRecipient(int64(recipientID))
	if err == nil {
		return tr.ID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: error getting thread: %w", err)
	}
	id, err := m.db.insertThread(int64(recipientID), isGroup)
	if err != nil {
		return 0, err
	}
	m.afterCommitNotifyConversationList()
	return id, nil
}

// ThreadFor returns the thread aggregate for a recipient, creating the thread if
// needed.
func (m *Manager) ThreadFor(recipientID RecipientID, isGroup bool) (*Thread, error) {
	var t *Thread
	err := m.db.Run("get thread", func() error {
		id, err := m.getOrCreateThread(recipientID, isGroup)
		if err != nil {
			return err
		}
		tr, err := m.db.threadByID(id)
		if err != nil {
			return fmt.Errorf("store: error getting thread: %w", err)
		}
		t = projectThread(tr)
		return nil
	})
	return t, err
}

// Thread returns the thread aggregate by id.
func (m *Manager) Thread(id ThreadID) (*Thread, error) {
	var t *Thread
	err := m.db.Run("get thread", func() error {
		tr, err := m.db.threadByID(int64(id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		} else if err != nil {
			return fmt.Errorf("store: error getting thread: %w", err)
		}
		t = projectThread(tr)
		return nil
	})
	return t, err
}

func projectThread(tr *threadRow) *Thread {
	return &Thread{
		ID:                     ThreadID(tr.ID),
		RecipientID:            RecipientID(tr.RecipientID),
		IsGroup:                tr.IsGroup,
		Date:                   tr.Date,
		MeaningfulMessages:     tr.MeaningfulMessages,
		Read:                   tr.Read,
		UnreadCount:            tr.UnreadCount,
		UnreadSelfMentionCount: tr.UnreadSelfMentionCount,
		SnippetMessageID:       MessageID(tr.SnippetMessageID),
		SnippetType:            tr.SnippetType,
		SnippetContent:         tr.SnippetContent,
		Archived:               tr.Archived,
		LastSeen:               tr.LastSeen,
		LastScrolled:           tr.LastScrolled,
		ExpiresIn:              tr.ExpiresIn,
	}
}

// updateThread refreshes a thread's denormalized aggregate from its messages: snippet,
// date, meaningful flag. When allowDeletion is set and the thread has never held a
// meaningful message and is now empty, the thread row is removed instead. Reports
// whether the thread still exists.
func (m *Manager) updateThread(threadID int64, unarchive, allowDeletion bool) (bool, error) {
	tr, err := m.db.threadByID(threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("store: error getting thread: %w", err)
	}
	meaningful, err := m.db.meaningfulMessageCount(threadID)
	if err != nil {
		return false, err
	}
	if meaningful == 0 {
		if allowDeletion && !tr.MeaningfulMessages {
			if err := m.db.deleteThreadRow(threadID); err != nil {
				return false, err
			}
			m.afterCommitNotifyConversationList()
			return false, nil
		}
		if _, err := m.db.Tx.Exec("UPDATE threads SET snippet_message_id = 0, snippet_type = 0, snippet_content = '' WHERE id = $1", threadID); err != nil {
			return false, fmt.Errorf("store: error clearing snippet: %w", err)
		}
		m.afterCommitNotifyConversation(threadID)
		return true, nil
	}
	snippet, err := m.db.latestSnippetRow(threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("store: error getting snippet: %w", err)
	}
	content := ""
	if snippet.Body != nil && !snippet.RemoteDeleted {
		content = *snippet.Body
	}
	archived := tr.Archived
	if unarchive {
		archived = false
	}
	if _, err := m.db.Tx.Exec("UPDATE threads SET date = $1, meaningful_messages = 1, snippet_message_id = $2, snippet_type = $3, snippet_content = $4, archived = $5 WHERE id = $6",
		snippet.DateReceived, snippet.ID, int64(snippet.Type), content, archived, threadID); err != nil {
		return false, fmt.Errorf("store: error updating thread: %w", err)
	}
	m.afterCommitNotifyConversation(threadID)
	return true, nil
}

// updateSnippetTypeSilently refreshes only the snippet type. Used when a message's type
// bits change without any content change, so list consumers are not re-notified.
func (m *Manager) updateSnippetTypeSilently(threadID int64) error {
	snippet, err := m.db.latestSnippetRow(threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return fmt.Errorf("store: error getting snippet: %w", err)
	}
	if _, err := m.db.Tx.Exec("UPDATE threads SET snippet_type = $1 WHERE id = $2", int64(snippet.Type), threadID); err != nil {
		return fmt.Errorf("store: error updating snippet type: %w", err)
	}
	return nil
}

// updateThreadReadState recomputes read/unread counters from the message table.
func (m *Manager) updateThreadReadState(threadID int64) error {
	unread, err := m.db.unreadCount(threadID)
	if err != nil {
		return err
	}
	mentions, err := m.db.unreadSelfMentionCount(threadID)
	if err != nil {
		return err
	}
	if _, err := m.db.Tx.Exec("UPDATE threads SET read = $1, unread_count = $2, unread_self_mention_count = $3 WHERE id = $4", unread == 0, unread, mentions, threadID); err != nil {
		return fmt.Errorf("store: error updating read state: %w", err)
	}
	return nil
}

// SetLastSeen records the point up to which the user has seen the conversation.
func (m *Manager) SetLastSeen(threadID ThreadID, timestamp uint64) error {
	return m.db.Run("set last seen", func() error {
		if _, err := m.db.Tx.Exec("UPDATE threads SET last_seen = $1 WHERE id = $2", timestamp, int64(threadID)); err != nil {
			return fmt.Errorf("store: error setting last seen: %w", err)
		}
		m.afterCommitNotifyConversation(int64(threadID))
		return nil
	})
}

// SetLastScrolled records the last scroll position timestamp for a conversation.
func (m *Manager) SetLastScrolled(threadID ThreadID, timestamp uint64) error {
	return m.db.Run("set last scrolled", func() error {
		if _, err := m.db.Tx.Exec("UPDATE threads SET last_scrolled = $1 WHERE id = $2", timestamp, int64(threadID)); err != nil {
			return fmt.Errorf("store: error setting last scrolled: %w", err)
		}
		return nil
	})
}

// SetThreadExpiresIn sets the conversation's default disappearing-message duration.
func (m *Manager) SetThreadExpiresIn(threadID ThreadID, expiresIn uint64) error {
	return m.db.Run("set thread expiration", func() error {
		if _, err := m.db.Tx.Exec("UPDATE threads SET expires_in = $1 WHERE id = $2", expiresIn, int64(threadID)); err != nil {
			return fmt.Errorf("store: error setting thread expiration: %w", err)
		}
		m.afterCommitNotifyConversation(int64(threadID))
		return nil
	})
}

// SetArchived archives or unarchives a conversation.
func (m *Manager) SetArchived(threadID ThreadID, archived bool) error {
	return m.db.Run("set archived", func() error {
		if _, err := m.db.Tx.Exec("UPDATE threads SET archived = $1 WHERE id = $2", archived, int64(threadID)); err != nil {
			return fmt.Errorf("store: error setting archived: %w", err)
		}
		m.afterCommitNotifyConversationList()
		return nil
	})
}

// TrimThread deletes all but the newest length messages in a thread, then refreshes
// the aggregate.
func (m *Manager) TrimThread(threadID ThreadID, length int) error {
	return m.db.Run("trim thread", func() error {
		res, err := m.db.Tx.Exec("DELETE FROM messages WHERE thread_id = $1 AND latest_revision_id IS NULL AND id NOT IN (SELECT id FROM messages WHERE thread_id = $1 AND latest_revision_id IS NULL ORDER BY date_received DESC LIMIT $2)", int64(threadID), length)
		if err != nil {
			return fmt.Errorf("store: error trimming thread: %w", err)
		}
		trimmed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store: error counting trimmed rows: %w", err)
		}
		if trimmed == 0 {
			return nil
		}
		m.log.Debugf("trimmed %d messages from thread %d", trimmed, threadID)
		if _, err := m.updateThread(int64(threadID), false, false); err != nil {
			return err
		}
		return m.updateThreadReadState(int64(threadID))
	})
}

// DeleteThreadMessages deletes every message in a thread and clears its aggregate.
func (m *Manager) DeleteThreadMessages(threadID ThreadID) error {
	return m.db.Run("delete thread messages", func() error {
		if _, err := m.db.Tx.Exec("DELETE FROM messages WHERE thread_id = $1", int64(threadID)); err != nil {
			return fmt.Errorf("store: error deleting thread messages: %w", err)
		}
		if _, err := m.updateThread(int64(threadID), false, true); err != nil {
			return err
		}
		m.afterCommitNotifyConversation(int64(threadID))
		return nil
	})
}

// DeleteAbandonedMessages deletes messages whose thread no longer exists. Returns the
// number of rows removed.
func (m *Manager) DeleteAbandonedMessages() (int64, error) {
	var count int64
	err := m.db.Run("delete abandoned messages", func() error {
		var err error
		count, err = m.db.deleteAbandonedMessages()
		return err
	})
	return count, err
}

// Threads returns all threads ordered by recency, unarchived first.
func (m *Manager) Threads() ([]*Thread, error) {
	var threads []*Thread
	err := m.db.Run("list threads", func() error {
		var trs []*threadRow
		if err := m.db.Tx.Select(&trs, "SELECT * FROM threads ORDER BY archived ASC, date DESC"); err != nil {
			return fmt.Errorf("store: error listing threads: %w", err)
		}
		threads = make([]*Thread, 0, len(trs))
		for _, tr := range trs {
			threads = append(threads, projectThread(tr))
		}
		return nil
	})
	return threads, err
}

// MarkThreadRead marks everything in the thread received at or before the given point
// as read, clears matching notifications state and starts expiry timers where needed.
// Returns the ids of messages whose read state changed.
func (m *Manager) MarkThreadRead(threadID ThreadID, before uint64) ([]MessageID, error) {
	var changed []MessageID
	err := m.db.Run("mark thread read", func() error {
		var mrs []*messageRow
		if err := m.db.Tx.Select(&mrs, "SELECT * FROM messages WHERE thread_id = $1 AND date_received <= $2 AND (read = 0 OR (reactions_unread = 1 AND "+msgtype.OutgoingClause("type")+")) AND "+visibleClause, int64(threadID), before); err != nil {
			return fmt.Errorf("store: error getting unread messages: %w", err)
		}
		now := m.clock.CurrentTimeMs()
		for _, mr := range mrs {
			expireStarted := mr.ExpireStarted
			if mr.ExpiresIn > 0 && expireStarted == 0 {
				expireStarted = now
			}
			if _, err := m.db.Tx.Exec("UPDATE messages SET read = 1, reactions_unread = 0, reactions_last_seen = $1, expire_started = $2 WHERE id = $3", now, expireStarted, mr.ID); err != nil {
				return fmt.Errorf("store: error marking read: %w", err)
			}
			changed = append(changed, MessageID(mr.ID))
		}
		if err := m.updateThreadReadState(int64(threadID)); err != nil {
			return err
		}
		if _, err := m.db.Tx.Exec("UPDATE threads SET last_seen = $1 WHERE id = $2", before, int64(threadID)); err != nil {
			return fmt.Errorf("store: error setting last seen: %w", err)
		}
		m.afterCommitNotifyConversation(int64(threadID))
		return nil
	})
	return changed, err
}
