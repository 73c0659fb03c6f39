package store

import (
	"fmt"

	"github.com/veilchat/veil/msgtype"
)

const (
	// group receipt statuses
	GroupReceiptStatusUnknown     = -1
	GroupReceiptStatusUndelivered = 0
	GroupReceiptStatusDelivered   = 1
	GroupReceiptStatusRead        = 2
	GroupReceiptStatusViewed      = 3
)

// visibleClause restricts queries to rows that appear in a conversation: no stories, no
// group story replies, nothing scheduled, current revision only.
const visibleClause = "story_type = 0 AND parent_story_id <= 0 AND scheduled_date = -1 AND latest_revision_id IS NULL"

// activeStoryClause selects live stories; story-ness and remote deletion are mutually
// exclusive for these queries.
const activeStoryClause = "story_type > 0 AND remote_deleted = 0"

type messageRow struct {
	ID                   int64   `db:"id"`
	DateSent             uint64  `db:"date_sent"`
	DateReceived         uint64  `db:"date_received"`
	DateServer           int64   `db:"date_server"`
	ThreadID             int64   `db:"thread_id"`
	FromRecipientID      int64   `db:"from_recipient_id"`
	FromDeviceID         int64   `db:"from_device_id"`
	ToRecipientID        int64   `db:"to_recipient_id"`
	Type                 uint64  `db:"type"`
	Body                 *string `db:"body"`
	Read                 bool    `db:"read"`
	ReceiptTimestamp     int64   `db:"receipt_timestamp"`
	DeliveryReceiptCount int     `db:"delivery_receipt_count"`
	ReadReceiptCount     int     `db:"read_receipt_count"`
	ViewedReceiptCount   int     `db:"viewed_receipt_count"`
	ExpiresIn            uint64  `db:"expires_in"`
	ExpireStarted        uint64  `db:"expire_started"`
	Notified             bool    `db:"notified"`
	NotifiedTimestamp    uint64  `db:"notified_timestamp"`
	QuoteID              int64   `db:"quote_id"`
	QuoteAuthor          int64   `db:"quote_author"`
	QuoteBody            *string `db:"quote_body"`
	QuoteMissing         bool    `db:"quote_missing"`
	QuoteBodyRanges      *[]byte `db:"quote_body_ranges"`
	QuoteType            int     `db:"quote_type"`
	SharedContacts       *string `db:"shared_contacts"`
	LinkPreviews         *string `db:"link_previews"`
	Unidentified         bool    `db:"unidentified"`
	ViewOnce             bool    `db:"view_once"`
	ReactionsUnread      bool    `db:"reactions_unread"`
	ReactionsLastSeen    int64   `db:"reactions_last_seen"`
	RemoteDeleted        bool    `db:"remote_deleted"`
	MentionsSelf         bool    `db:"mentions_self"`
	ServerGUID           *string `db:"server_guid"`
	MessageRanges        *[]byte `db:"message_ranges"`
	StoryType            int     `db:"story_type"`
	ParentStoryID        int64   `db:"parent_story_id"`
	ExportState          *[]byte `db:"export_state"`
	Exported             int     `db:"exported"`
	ScheduledDate        int64   `db:"scheduled_date"`
	LatestRevisionID     *int64  `db:"latest_revision_id"`
	OriginalMessageID    *int64  `db:"original_message_id"`
	RevisionNumber       int     `db:"revision_number"`
}

// originalOrSelf resolves the root of the edit chain this row belongs to.
func (r *messageRow) originalOrSelf() int64 {
	if r.OriginalMessageID != nil {
		return *r.OriginalMessageID
	}
	return r.ID
}

type threadRow struct {
	ID                     int64  `db:"id"`
	RecipientID            int64  `db:"recipient_id"`
	IsGroup                bool   `db:"is_group"`
	Date                   uint64 `db:"date"`
	MeaningfulMessages     bool   `db:"meaningful_messages"`
	Read                   bool   `db:"read"`
	UnreadCount            int    `db:"unread_count"`
	UnreadSelfMentionCount int    `db:"unread_self_mention_count"`
	SnippetMessageID       int64  `db:"snippet_message_id"`
	SnippetType            uint64 `db:"snippet_type"`
	SnippetContent         string `db:"snippet_content"`
	Archived               bool   `db:"archived"`
	LastSeen               uint64 `db:"last_seen"`
	LastScrolled           uint64 `db:"last_scrolled"`
	ExpiresIn              uint64 `db:"expires_in"`
}

type reactionRow struct {
	ID           int64  `db:"id"`
	MessageID    int64  `db:"message_id"`
	AuthorID     int64  `db:"author_id"`
	Emoji        string `db:"emoji"`
	DateSent     uint64 `db:"date_sent"`
	DateReceived uint64 `db:"date_received"`
}

type mentionRow struct {
	ID          int64 `db:"id"`
	ThreadID    int64 `db:"thread_id"`
	MessageID   int64 `db:"message_id"`
	RecipientID int64 `db:"recipient_id"`
	RangeStart  int   `db:"range_start"`
	RangeLength int   `db:"range_length"`
}

type groupReceiptRow struct {
	ID           int64 `db:"id"`
	MessageID    int64 `db:"message_id"`
	RecipientID  int64 `db:"recipient_id"`
	Status       int   `db:"status"`
	Timestamp    int64 `db:"timestamp"`
	Unidentified bool  `db:"unidentified"`
}

type storySendRow struct {
	ID            int64  `db:"id"`
	MessageID     int64  `db:"message_id"`
	RecipientID   int64  `db:"recipient_id"`
	SentTimestamp uint64 `db:"sent_timestamp"`
	AllowsReplies bool   `db:"allows_replies"`
}

func (db *database) insertMessage(mr *messageRow) (int64, error) {
	res, err := db.Tx.NamedExec(`INSERT INTO messages (
			date_sent, date_received, date_server, thread_id, from_recipient_id, from_device_id, to_recipient_id,
			type, body, read, receipt_timestamp, delivery_receipt_count, read_receipt_count, viewed_receipt_count,
			expires_in, expire_started, notified, notified_timestamp,
			quote_id, quote_author, quote_body, quote_missing, quote_body_ranges, quote_type,
			shared_contacts, link_previews, unidentified, view_once,
			reactions_unread, reactions_last_seen, remote_deleted, mentions_self, server_guid, message_ranges,
			story_type, parent_story_id, export_state, exported, scheduled_date,
			latest_revision_id, original_message_id, revision_number
		) VALUES (
			:date_sent, :date_received, :date_server, :thread_id, :from_recipient_id, :from_device_id, :to_recipient_id,
			:type, :body, :read, :receipt_timestamp, :delivery_receipt_count, :read_receipt_count, :viewed_receipt_count,
			:expires_in, :expire_started, :notified, :notified_timestamp,
			:quote_id, :quote_author, :quote_body, :quote_missing, :quote_body_ranges, :quote_type,
			:shared_contacts, :link_previews, :unidentified, :view_once,
			:reactions_unread, :reactions_last_seen, :remote_deleted, :mentions_self, :server_guid, :message_ranges,
			:story_type, :parent_story_id, :export_state, :exported, :scheduled_date,
			:latest_revision_id, :original_message_id, :revision_number
		)`, mr)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: error getting message rowid: %w", err)
	}
	return id, nil
}

func (db *database) messageByID(id int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &mr, nil
}

// messageBySentAndAuthor finds a message by its author-timestamp wire identity,
// skipping scheduled rows. Superseded revisions still resolve here; callers that need
// the chain head follow latest_revision_id.
func (db *database) messageBySentAndAuthor(sent uint64, author int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE date_sent = $1 AND from_recipient_id = $2 AND scheduled_date = -1 ORDER BY id DESC LIMIT 1", sent, author); err != nil {
		return nil, err
	}
	return &mr, nil
}

// messageBySentAuthorAndThread resolves the row holding a thread's side of the
// (date_sent, from_recipient_id, thread_id) uniqueness constraint.
func (db *database) messageBySentAuthorAndThread(sent uint64, author, threadID int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE date_sent = $1 AND from_recipient_id = $2 AND thread_id = $3 ORDER BY id DESC LIMIT 1", sent, author, threadID); err != nil {
		return nil, err
	}
	return &mr, nil
}

// headOf resolves the current revision of the chain a row belongs to.
func (db *database) headOf(mr *messageRow) (*messageRow, error) {
	if mr.LatestRevisionID == nil {
		return mr, nil
	}
	head, err := db.messageByID(*mr.LatestRevisionID)
	if err != nil {
		return nil, fmt.Errorf("store: error resolving chain head: %w", err)
	}
	return head, nil
}

func (db *database) storyBySentAndAuthor(sent uint64, author int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE date_sent = $1 AND from_recipient_id = $2 AND "+activeStoryClause+" ORDER BY id DESC LIMIT 1", sent, author); err != nil {
		return nil, err
	}
	return &mr, nil
}

func (db *database) messagesInThread(threadID int64, limit, offset int) ([]*messageRow, error) {
	var mrs []*messageRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM messages WHERE thread_id = $1 AND "+visibleClause+" ORDER BY date_received DESC LIMIT $2 OFFSET $3", threadID, limit, offset); err != nil {
		return nil, fmt.Errorf("store: error getting thread messages: %w", err)
	}
	return mrs, nil
}

func (db *database) editHistory(originID int64) ([]*messageRow, error) {
	var mrs []*messageRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM messages WHERE id = $1 OR original_message_id = $1 ORDER BY revision_number ASC", originID); err != nil {
		return nil, fmt.Errorf("store: error getting edit history: %w", err)
	}
	return mrs, nil
}

// previousRevision finds the newest surviving revision of a chain other than exclude.
func (db *database) previousRevision(originID, excludeID int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE (id = $1 OR original_message_id = $1) AND id != $2 ORDER BY revision_number DESC LIMIT 1", originID, excludeID); err != nil {
		return nil, err
	}
	return &mr, nil
}

func (db *database) scheduledMessages(threadID int64) ([]*messageRow, error) {
	var mrs []*messageRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM messages WHERE thread_id = $1 AND scheduled_date != -1 AND latest_revision_id IS NULL ORDER BY scheduled_date ASC", threadID); err != nil {
		return nil, fmt.Errorf("store: error getting scheduled messages: %w", err)
	}
	return mrs, nil
}

func (db *database) activeStories(threadID int64) ([]*messageRow, error) {
	var mrs []*messageRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM messages WHERE thread_id = $1 AND "+activeStoryClause+" ORDER BY date_received ASC", threadID); err != nil {
		return nil, fmt.Errorf("store: error getting stories: %w", err)
	}
	return mrs, nil
}

// quotedBy walks the quote chain one level: all current-revision rows quoting the given
// author-timestamp identity.
func (db *database) quotedBy(sent uint64, author int64) ([]*messageRow, error) {
	var mrs []*messageRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM messages WHERE quote_id = $1 AND quote_author = $2 AND scheduled_date = -1 AND latest_revision_id IS NULL", sent, author); err != nil {
		return nil, fmt.Errorf("store: error getting quoting messages: %w", err)
	}
	return mrs, nil
}

func (db *database) unreadCount(threadID int64) (int, error) {
	counter := &struct {
		Count int `db:"unread_count"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as unread_count FROM messages WHERE thread_id = $1 AND read = 0 AND "+visibleClause, threadID); err != nil {
		return 0, fmt.Errorf("store: error counting unread: %w", err)
	}
	return counter.Count, nil
}

func (db *database) unreadSelfMentionCount(threadID int64) (int, error) {
	counter := &struct {
		Count int `db:"unread_mentions"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as unread_mentions FROM messages WHERE thread_id = $1 AND read = 0 AND mentions_self = 1 AND "+visibleClause, threadID); err != nil {
		return 0, fmt.Errorf("store: error counting unread mentions: %w", err)
	}
	return counter.Count, nil
}

func (db *database) meaningfulMessageCount(threadID int64) (int, error) {
	counter := &struct {
		Count int `db:"meaningful"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as meaningful FROM messages WHERE thread_id = $1 AND "+visibleClause+" AND "+msgtype.NotGroupV2LeaveClause("type"), threadID); err != nil {
		return 0, fmt.Errorf("store: error counting meaningful messages: %w", err)
	}
	return counter.Count, nil
}

// latestSnippetRow is the newest conversation-visible row eligible to be a thread
// snippet.
func (db *database) latestSnippetRow(threadID int64) (*messageRow, error) {
	mr := messageRow{}
	if err := db.Tx.Get(&mr, "SELECT * FROM messages WHERE thread_id = $1 AND "+visibleClause+" AND "+msgtype.NotGroupV2LeaveClause("type")+" ORDER BY date_received DESC LIMIT 1", threadID); err != nil {
		return nil, err
	}
	return &mr, nil
}

func (db *database) updateTypeBits(id int64, clear, set uint64) error {
	if _, err := db.Tx.Exec("UPDATE messages SET type = (type & ~$1) | $2 WHERE id = $3", int64(clear), int64(set), id); err != nil {
		return fmt.Errorf("store: error updating type bits: %w", err)
	}
	return nil
}

func (db *database) updateSharedContacts(id int64, serialized string) error {
	if _, err := db.Tx.Exec("UPDATE messages SET shared_contacts = $1 WHERE id = $2", serialized, id); err != nil {
		return fmt.Errorf("store: error updating shared contacts: %w", err)
	}
	return nil
}

func (db *database) updateLinkPreviews(id int64, serialized string) error {
	if _, err := db.Tx.Exec("UPDATE messages SET link_previews = $1 WHERE id = $2", serialized, id); err != nil {
		return fmt.Errorf("store: error updating link previews: %w", err)
	}
	return nil
}

func (db *database) deleteMessageRow(id int64) error {
	if _, err := db.Tx.Exec("DELETE FROM messages WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting message: %w", err)
	}
	return nil
}

func (db *database) deleteAbandonedMessages() (int64, error) {
	res, err := db.Tx.Exec("DELETE FROM messages WHERE thread_id NOT IN (SELECT id FROM threads)")
	if err != nil {
		return 0, fmt.Errorf("store: error deleting abandoned messages: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: error counting abandoned messages: %w", err)
	}
	return count, nil
}

// threads

func (db *database) threadByID(id int64) (*threadRow, error) {
	tr := threadRow{}
	if err := db.Tx.Get(&tr, "SELECT * FROM threads WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (db *database) threadByRecipient(recipientID int64) (*threadRow, error) {
	tr := threadRow{}
	if err := db.Tx.Get(&tr, "SELECT * FROM threads WHERE recipient_id = $1", recipientID); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (db *database) insertThread(recipientID int64, isGroup bool) (int64, error) {
	res, err := db.Tx.Exec("INSERT INTO threads (recipient_id, is_group) VALUES ($1, $2)", recipientID, isGroup)
	if err != nil {
		return 0, fmt.Errorf("store: error inserting thread: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: error getting thread rowid: %w", err)
	}
	return id, nil
}

func (db *database) deleteThreadRow(id int64) error {
	if _, err := db.Tx.Exec("DELETE FROM threads WHERE id = $1", id); err != nil {
		return fmt.Errorf("store: error deleting thread: %w", err)
	}
	return nil
}

func (db *database) incrementThreadUnread(threadID int64, messages, mentions int) error {
	if _, err := db.Tx.Exec("UPDATE threads SET read = 0, unread_count = unread_count + $1, unread_self_mention_count = unread_self_mention_count + $2 WHERE id = $3", messages, mentions, threadID); err != nil {
		return fmt.Errorf("store: error incrementing unread: %w", err)
	}
	return nil
}

// mentions

func (db *database) insertMention(mr *mentionRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO mentions (thread_id, message_id, recipient_id, range_start, range_length) VALUES (:thread_id, :message_id, :recipient_id, :range_start, :range_length)", mr); err != nil {
		return fmt.Errorf("store: error inserting mention: %w", err)
	}
	return nil
}

func (db *database) mentionsForMessage(messageID int64) ([]*mentionRow, error) {
	var mrs []*mentionRow
	if err := db.Tx.Select(&mrs, "SELECT * FROM mentions WHERE message_id = $1 ORDER BY range_start ASC", messageID); err != nil {
		return nil, fmt.Errorf("store: error getting mentions: %w", err)
	}
	return mrs, nil
}

func (db *database) deleteMentionsForMessage(messageID int64) error {
	if _, err := db.Tx.Exec("DELETE FROM mentions WHERE message_id = $1", messageID); err != nil {
		return fmt.Errorf("store: error deleting mentions: %w", err)
	}
	return nil
}

// reactions

func (db *database) insertReaction(rr *reactionRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO reactions (message_id, author_id, emoji, date_sent, date_received) VALUES (:message_id, :author_id, :emoji, :date_sent, :date_received)", rr); err != nil {
		return fmt.Errorf("store: error inserting reaction: %w", err)
	}
	return nil
}

func (db *database) reactionsForMessage(messageID int64) ([]*reactionRow, error) {
	var rrs []*reactionRow
	if err := db.Tx.Select(&rrs, "SELECT * FROM reactions WHERE message_id = $1 ORDER BY date_received ASC", messageID); err != nil {
		return nil, fmt.Errorf("store: error getting reactions: %w", err)
	}
	return rrs, nil
}

func (db *database) deleteReaction(messageID, authorID int64) error {
	if _, err := db.Tx.Exec("DELETE FROM reactions WHERE message_id = $1 AND author_id = $2", messageID, authorID); err != nil {
		return fmt.Errorf("store: error deleting reaction: %w", err)
	}
	return nil
}

func (db *database) deleteReactionsForMessage(messageID int64) error {
	if _, err := db.Tx.Exec("DELETE FROM reactions WHERE message_id = $1", messageID); err != nil {
		return fmt.Errorf("store: error deleting reactions: %w", err)
	}
	return nil
}

// moveReactions migrates reactions row-to-row on edit; reactions target the message,
// not a specific revision.
func (db *database) moveReactions(newMessageID, oldMessageID int64) error {
	if _, err := db.Tx.Exec("UPDATE reactions SET message_id = $1 WHERE message_id = $2", newMessageID, oldMessageID); err != nil {
		return fmt.Errorf("store: error moving reactions: %w", err)
	}
	return nil
}

// group receipts

func (db *database) insertGroupReceipts(messageID int64, members []int64, status int, unidentified bool) error {
	for _, member := range members {
		if _, err := db.Tx.Exec("INSERT INTO group_receipts (message_id, recipient_id, status, timestamp, unidentified) VALUES ($1, $2, $3, -1, $4)", messageID, member, status, unidentified); err != nil {
			return fmt.Errorf("store: error inserting group receipt: %w", err)
		}
	}
	return nil
}

func (db *database) updateGroupReceipt(messageID, recipientID int64, status int, timestamp int64) error {
	if _, err := db.Tx.Exec("UPDATE group_receipts SET status = $1, timestamp = $2 WHERE message_id = $3 AND recipient_id = $4 AND status < $1", status, timestamp, messageID, recipientID); err != nil {
		return fmt.Errorf("store: error updating group receipt: %w", err)
	}
	return nil
}

func (db *database) groupReceiptsForMessage(messageID int64) ([]*groupReceiptRow, error) {
	var grs []*groupReceiptRow
	if err := db.Tx.Select(&grs, "SELECT * FROM group_receipts WHERE message_id = $1", messageID); err != nil {
		return nil, fmt.Errorf("store: error getting group receipts: %w", err)
	}
	return grs, nil
}

func (db *database) deleteGroupReceiptsForMessage(messageID int64) error {
	if _, err := db.Tx.Exec("DELETE FROM group_receipts WHERE message_id = $1", messageID); err != nil {
		return fmt.Errorf("store: error deleting group receipts: %w", err)
	}
	return nil
}

// story sends

func (db *database) insertStorySend(sr *storySendRow) error {
	if _, err := db.Tx.NamedExec("INSERT INTO story_sends (message_id, recipient_id, sent_timestamp, allows_replies) VALUES (:message_id, :recipient_id, :sent_timestamp, :allows_replies)", sr); err != nil {
		return fmt.Errorf("store: error inserting story send: %w", err)
	}
	return nil
}

// storyMessageIDsFor is the story-send fan-out index: every story message shared with
// this recipient at this timestamp.
func (db *database) storyMessageIDsFor(recipientID int64, sentTimestamp uint64) ([]int64, error) {
	var ids []int64
	if err := db.Tx.Select(&ids, "SELECT message_id FROM story_sends WHERE recipient_id = $1 AND sent_timestamp = $2", recipientID, sentTimestamp); err != nil {
		return nil, fmt.Errorf("store: error getting story sends: %w", err)
	}
	return ids, nil
}

func (db *database) storySendAllowsReplies(recipientID int64, sentTimestamp uint64) (bool, error) {
	counter := &struct {
		Count int `db:"allowed"`
	}{}
	if err := db.Tx.Get(counter, "SELECT count(*) as allowed FROM story_sends WHERE recipient_id = $1 AND sent_timestamp = $2 AND allows_replies = 1", recipientID, sentTimestamp); err != nil {
		return false, fmt.Errorf("store: error checking story replies: %w", err)
	}
	return counter.Count > 0, nil
}
