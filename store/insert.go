package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/veilchat/veil/internal/db"
	"github.com/veilchat/veil/msgtype"
)

// IncomingMessage carries a decrypted inbound message ready for storage. Conversation
// is the recipient the thread is keyed by: the group for group sends, the author
// otherwise.
type IncomingMessage struct {
	From           RecipientID
	FromDeviceID   int64
	Conversation   RecipientID
	IsGroup        bool
	SentAt         uint64
	ServerAt       int64
	ReceivedAt     uint64
	Type           msgtype.Classification
	Body           string
	ExpiresIn      uint64
	ExpireStarted  uint64
	Unidentified   bool
	ViewOnce       bool
	ServerGUID     string
	StoryType      StoryType
	ParentStoryID  ParentStoryID
	Quote          *Quote
	Mentions       []Mention
	BodyRanges     []BodyRange
	SharedContacts []SharedContact
	LinkPreviews   []LinkPreview
	Attachments    []Attachment
}

// OutgoingMessage carries a locally authored message. GroupMembers seeds per-member
// receipt rows for group sends; StorySends records the distribution fan-out for
// stories.
type OutgoingMessage struct {
	Conversation   RecipientID
	IsGroup        bool
	SentAt         uint64
	Type           msgtype.Classification
	Body           string
	ExpiresIn      uint64
	ViewOnce       bool
	StoryType      StoryType
	ParentStoryID  ParentStoryID
	Quote          *Quote
	Mentions       []Mention
	BodyRanges     []BodyRange
	SharedContacts []SharedContact
	LinkPreviews   []LinkPreview
	Attachments    []Attachment
	GroupMembers   []RecipientID
	StorySends     []StorySend
	MessageToEdit  MessageID
	ScheduledAt    int64
}

// StorySend is one recipient of a story distribution.
type StorySend struct {
	Recipient     RecipientID
	AllowsReplies bool
}

// InsertResult reports where an inbound message landed. Duplicate is set when the row
// already existed; the insert is suppressed without error and MessageID refers to the
// existing row when it could be resolved.
type InsertResult struct {
	MessageID MessageID
	ThreadID  ThreadID
	Duplicate bool
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalRanges(ranges []BodyRange) (*[]byte, error) {
	if len(ranges) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ranges)
	if err != nil {
		return nil, fmt.Errorf("store: error encoding body ranges: %w", err)
	}
	return &b, nil
}

func mentionsSelf(mentions []Mention, self RecipientID) bool {
	for _, mn := range mentions {
		if mn.RecipientID == self {
			return true
		}
	}
	return false
}

// silentKind reports whether a message type never contributes to the unread counter:
// identity updates, leave-only group changes, expiration timer updates and payment
// activation plumbing.
func silentKind(mask uint64) bool {
	return msgtype.IsIdentityUpdate(mask) ||
		msgtype.IsIdentityVerified(mask) ||
		msgtype.IsIdentityDefault(mask) ||
		msgtype.IsGroupV2Leave(mask) ||
		msgtype.IsExpirationTimerUpdate(mask) ||
		msgtype.IsPaymentsActivateRequest(mask) ||
		msgtype.IsPaymentsActivated(mask)
}

// InsertIncoming stores an inbound message: resolves the thread, writes the row and its
// children, updates thread aggregates and fires observers after commit. A row that
// collides on (date_sent, from_recipient_id, thread_id) is reported as a duplicate, not
// an error.
func (m *Manager) InsertIncoming(msg *IncomingMessage) (*InsertResult, error) {
	result := &InsertResult{}
	err := m.db.Run("insert incoming message", func() error {
		cl := msg.Type
		if cl.Base == 0 {
			cl.Base = msgtype.BaseInboxType
		}
		mask, err := cl.Mask()
		if err != nil {
			return err
		}
		threadID, err := m.getOrCreateThread(msg.Conversation, msg.IsGroup)
		if err != nil {
			return err
		}
		result.ThreadID = ThreadID(threadID)
		receivedAt := msg.ReceivedAt
		if receivedAt == 0 {
			receivedAt = m.clock.CurrentTimeMs()
		}
		// timer updates and group metadata changes carry no content to read
		silent := msgtype.IsGroupUpdate(mask) || msgtype.IsExpirationTimerUpdate(mask)
		ranges, err := marshalRanges(msg.BodyRanges)
		if err != nil {
			return err
		}
		mr := &messageRow{
			DateSent:          msg.SentAt,
			DateReceived:      receivedAt,
			DateServer:        msg.ServerAt,
			ThreadID:          threadID,
			FromRecipientID:   int64(msg.From),
			FromDeviceID:      msg.FromDeviceID,
			ToRecipientID:     int64(m.selfID),
			Type:              mask,
			Body:              nullable(msg.Body),
			Read:              silent,
			ReceiptTimestamp:  -1,
			ExpiresIn:         msg.ExpiresIn,
			ExpireStarted:     msg.ExpireStarted,
			Unidentified:      msg.Unidentified,
			ViewOnce:          msg.ViewOnce,
			ServerGUID:        nullable(msg.ServerGUID),
			MessageRanges:     ranges,
			MentionsSelf:      mentionsSelf(msg.Mentions, m.selfID),
			StoryType:         int(msg.StoryType),
			ParentStoryID:     int64(msg.ParentStoryID),
			ScheduledDate:     NoScheduledDate,
			ReactionsLastSeen: -1,
		}
		applyQuote(mr, msg.Quote)
		id, err := m.db.insertMessage(mr)
		if db.IsUniqueViolation(err) {
			m.log.Debugf("duplicate message sent=%d from=%d thread=%d", msg.SentAt, msg.From, threadID)
			result.Duplicate = true
			if existing, gerr := m.db.messageBySentAuthorAndThread(msg.SentAt, int64(msg.From), threadID); gerr == nil {
				result.MessageID = MessageID(existing.ID)
			}
			return nil
		} else if err != nil {
			return fmt.Errorf("store: error inserting message: %w", err)
		}
		result.MessageID = MessageID(id)
		if err := m.insertChildren(id, threadID, msg.Mentions, msg.Quote, msg.Attachments, msg.SharedContacts, msg.LinkPreviews); err != nil {
			return err
		}
		suppressUnread := silent || silentKind(mask) || msg.StoryType.IsStory() || ParentStoryID(mr.ParentStoryID).IsGroupReply()
		if !suppressUnread {
			mentions := 0
			if mr.MentionsSelf {
				mentions = 1
			}
			if err := m.db.incrementThreadUnread(threadID, 1, mentions); err != nil {
				return err
			}
		}
		if _, err := m.updateThread(threadID, true, false); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageInserted(MessageID(id), ThreadID(threadID))
			if msg.StoryType.IsStory() {
				m.observer.StoryUpdated(MessageID(id))
			}
		})
		if len(msg.Attachments) != 0 {
			m.enqueueAttachmentDownload(MessageID(id))
		}
		if msg.Body != "" {
			m.enqueueSearchIndexOptimize()
		}
		m.enqueueThreadTrim(ThreadID(threadID))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertOutgoing stores a locally authored message. Early delivery receipts held for
// its sent timestamp are folded into the receipt counters at insert time.
func (m *Manager) InsertOutgoing(msg *OutgoingMessage) (MessageID, error) {
	var messageID MessageID
	err := m.db.Run("insert outgoing message", func() error {
		cl := msg.Type
		if cl.Base == 0 {
			cl.Base = msgtype.BaseSendingType
		}
		mask, err := cl.Mask()
		if err != nil {
			return err
		}
		threadID, err := m.getOrCreateThread(msg.Conversation, msg.IsGroup)
		if err != nil {
			return err
		}
		now := m.clock.CurrentTimeMs()
		scheduled := msg.ScheduledAt
		if scheduled == 0 {
			scheduled = NoScheduledDate
		}
		ranges, err := marshalRanges(msg.BodyRanges)
		if err != nil {
			return err
		}
		mr := &messageRow{
			DateSent:          msg.SentAt,
			DateReceived:      now,
			DateServer:        -1,
			ThreadID:          threadID,
			FromRecipientID:   int64(m.selfID),
			FromDeviceID:      m.deviceID,
			ToRecipientID:     int64(msg.Conversation),
			Type:              mask,
			Body:              nullable(msg.Body),
			Read:              true,
			ReceiptTimestamp:  -1,
			ExpiresIn:         msg.ExpiresIn,
			ViewOnce:          msg.ViewOnce,
			MessageRanges:     ranges,
			MentionsSelf:      false,
			StoryType:         int(msg.StoryType),
			ParentStoryID:     int64(msg.ParentStoryID),
			ScheduledDate:     scheduled,
			ReactionsLastSeen: -1,
		}
		var edit *messageRow
		if msg.MessageToEdit != 0 {
			edit, err = m.db.messageByID(int64(msg.MessageToEdit))
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidEditTarget
			} else if err != nil {
				return fmt.Errorf("store: error getting edit target: %w", err)
			}
			if err := validateEditTarget(edit); err != nil {
				return err
			}
			if !msgtype.IsOutgoing(edit.Type) {
				return ErrInvalidEditTarget
			}
			origin := edit.originalOrSelf()
			mr.OriginalMessageID = &origin
			mr.RevisionNumber = edit.RevisionNumber + 1
			mr.ExpiresIn = edit.ExpiresIn
			mr.ExpireStarted = edit.ExpireStarted
		}
		var early map[RecipientID]EarlyReceipt
		if scheduled == NoScheduledDate {
			early = m.earlyReceipts.Remove(msg.SentAt)
			count := 0
			maxTimestamp := int64(-1)
			for _, er := range early {
				count += er.Count
				if int64(er.Timestamp) > maxTimestamp {
					maxTimestamp = int64(er.Timestamp)
				}
			}
			mr.DeliveryReceiptCount = count
			mr.ReceiptTimestamp = maxTimestamp
		}
		applyQuote(mr, msg.Quote)
		id, err := m.db.insertMessage(mr)
		if err != nil {
			return fmt.Errorf("store: error inserting message: %w", err)
		}
		messageID = MessageID(id)
		if err := m.insertChildren(id, threadID, msg.Mentions, msg.Quote, msg.Attachments, msg.SharedContacts, msg.LinkPreviews); err != nil {
			return err
		}
		if len(msg.GroupMembers) != 0 {
			members := make([]int64, 0, len(msg.GroupMembers))
			for _, member := range msg.GroupMembers {
				members = append(members, int64(member))
			}
			if err := m.db.insertGroupReceipts(id, members, GroupReceiptStatusUndelivered, false); err != nil {
				return err
			}
			for author, er := range early {
				if err := m.db.updateGroupReceipt(id, int64(author), GroupReceiptStatusDelivered, int64(er.Timestamp)); err != nil {
					return err
				}
			}
		}
		for _, send := range msg.StorySends {
			sr := &storySendRow{MessageID: id, RecipientID: int64(send.Recipient), SentTimestamp: msg.SentAt, AllowsReplies: send.AllowsReplies}
			if err := m.db.insertStorySend(sr); err != nil {
				return err
			}
		}
		if edit != nil {
			if err := m.applyEditChain(id, edit, msg.Quote != nil, len(msg.Attachments) != 0); err != nil {
				return err
			}
		}
		if _, err := m.updateThread(threadID, true, false); err != nil {
			return err
		}
		if scheduled != NoScheduledDate {
			m.db.AfterCommit(func() {
				m.observer.ScheduledMessageUpdated(MessageID(id), ThreadID(threadID))
			})
			return nil
		}
		m.db.AfterCommit(func() {
			m.observer.MessageInserted(MessageID(id), ThreadID(threadID))
			if msg.StoryType.IsStory() {
				m.observer.StoryUpdated(MessageID(id))
			}
		})
		if msg.Body != "" {
			m.enqueueSearchIndexOptimize()
		}
		m.enqueueThreadTrim(ThreadID(threadID))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return messageID, nil
}

func applyQuote(mr *messageRow, q *Quote) {
	if q == nil {
		return
	}
	mr.QuoteID = int64(q.TargetSent)
	mr.QuoteAuthor = int64(q.Author)
	mr.QuoteBody = nullable(q.Body)
	mr.QuoteType = int(q.Type)
	mr.QuoteMissing = q.Missing
	if len(q.BodyRanges) != 0 {
		if b, err := json.Marshal(q.BodyRanges); err == nil {
			mr.QuoteBodyRanges = &b
		}
	}
}

// insertChildren writes the satellite rows for a freshly inserted message: mentions,
// attachments through the collaborator, then the serialized contact and preview
// columns which may reference attachment rows.
func (m *Manager) insertChildren(id, threadID int64, mentions []Mention, quote *Quote, attachments []Attachment, contacts []SharedContact, previews []LinkPreview) error {
	for _, mn := range mentions {
		row := &mentionRow{ThreadID: threadID, MessageID: id, RecipientID: int64(mn.RecipientID), RangeStart: mn.Start, RangeLength: mn.Length}
		if err := m.db.insertMention(row); err != nil {
			return err
		}
	}
	var quoteAttachments []Attachment
	if quote != nil {
		quoteAttachments = quote.Attachments
	}
	if len(attachments) != 0 || len(quoteAttachments) != 0 {
		if _, err := m.attachments.InsertAttachmentsForMessage(MessageID(id), attachments, quoteAttachments); err != nil {
			return fmt.Errorf("store: error inserting attachments: %w", err)
		}
	}
	if len(contacts) != 0 {
		b, err := json.Marshal(contacts)
		if err != nil {
			return fmt.Errorf("store: error encoding shared contacts: %w", err)
		}
		if err := m.db.updateSharedContacts(id, string(b)); err != nil {
			return err
		}
	}
	if len(previews) != 0 {
		b, err := json.Marshal(previews)
		if err != nil {
			return fmt.Errorf("store: error encoding link previews: %w", err)
		}
		if err := m.db.updateLinkPreviews(id, string(b)); err != nil {
			return err
		}
	}
	return nil
}

// InsertOrUpdateGroupCall maintains the single row describing a group call: updates it
// in place while the era matches, inserts a fresh event row when a new call begins. An
// in-place update reports as a duplicate.
func (m *Manager) InsertOrUpdateGroupCall(conversation RecipientID, isGroup bool, sender RecipientID, sentAt uint64, state *GroupCallState) (*InsertResult, error) {
	result := &InsertResult{}
	err := m.db.Run("upsert group call", func() error {
		threadID, err := m.getOrCreateThread(conversation, isGroup)
		if err != nil {
			return err
		}
		result.ThreadID = ThreadID(threadID)
		body, err := encodeBodyPayload(state)
		if err != nil {
			return err
		}
		existing := messageRow{}
		err = m.db.Tx.Get(&existing, "SELECT * FROM messages WHERE thread_id = $1 AND (type & $2) = $3 ORDER BY date_received DESC LIMIT 1",
			threadID, int64(msgtype.BaseTypeMask), int64(msgtype.GroupCallType))
		if err == nil {
			var prior GroupCallState
			if existing.Body != nil {
				if derr := decodeBodyPayload(*existing.Body, &prior); derr != nil {
					m.log.Warnf("undecodable group call state on message %d: %v", existing.ID, derr)
				}
			}
			if prior.EraID == state.EraID {
				if _, err := m.db.Tx.Exec("UPDATE messages SET body = $1 WHERE id = $2", body, existing.ID); err != nil {
					return fmt.Errorf("store: error updating group call: %w", err)
				}
				result.MessageID = MessageID(existing.ID)
				result.Duplicate = true
				m.db.AfterCommit(func() {
					m.observer.MessageUpdated(result.MessageID, ThreadID(threadID))
				})
				return nil
			}
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: error getting group call row: %w", err)
		}
		mr := &messageRow{
			DateSent:          sentAt,
			DateReceived:      m.clock.CurrentTimeMs(),
			DateServer:        -1,
			ThreadID:          threadID,
			FromRecipientID:   int64(sender),
			ToRecipientID:     int64(m.selfID),
			Type:              msgtype.GroupCallType | msgtype.SecureMessageBit | msgtype.PushMessageBit,
			Body:              &body,
			Read:              true,
			ReceiptTimestamp:  -1,
			ScheduledDate:     NoScheduledDate,
			ReactionsLastSeen: -1,
		}
		id, err := m.db.insertMessage(mr)
		if err != nil {
			return fmt.Errorf("store: error inserting group call: %w", err)
		}
		result.MessageID = MessageID(id)
		if _, err := m.updateThread(threadID, true, false); err != nil {
			return err
		}
		m.db.AfterCommit(func() {
			m.observer.MessageInserted(result.MessageID, ThreadID(threadID))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
