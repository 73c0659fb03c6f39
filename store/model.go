package store

import (
	"encoding/base64"
	"encoding/json"
)

type (
	MessageID   int64
	ThreadID    int64
	RecipientID int64
)

const (
	// NoScheduledDate marks a message that is not scheduled. Rows with any other value
	// are excluded from conversation, unread and count queries until cleared.
	NoScheduledDate int64 = -1

	// NoParentStory marks a message that is not a story reply.
	NoParentStory int64 = 0
)

// StoryType classifies a row's story-ness.
type StoryType int

const (
	StoryTypeNone StoryType = iota
	StoryTypeStoryWithReplies
	StoryTypeStoryWithoutReplies
	StoryTypeTextStoryWithReplies
	StoryTypeTextStoryWithoutReplies
)

func (s StoryType) IsStory() bool {
	return s != StoryTypeNone
}

func (s StoryType) IsTextStory() bool {
	return s == StoryTypeTextStoryWithReplies || s == StoryTypeTextStoryWithoutReplies
}

func (s StoryType) AllowsReplies() bool {
	return s == StoryTypeStoryWithReplies || s == StoryTypeTextStoryWithReplies
}

// ParentStoryID encodes the reply relation of a story reply as a signed integer:
// positive values are group replies to the story row with that id, negative values are
// direct replies to the story row with the absolute id.
type ParentStoryID int64

func GroupReply(storyID MessageID) ParentStoryID {
	return ParentStoryID(storyID)
}

func DirectReply(storyID MessageID) ParentStoryID {
	return ParentStoryID(-int64(storyID))
}

func (p ParentStoryID) IsGroupReply() bool {
	return p > 0
}

func (p ParentStoryID) IsDirectReply() bool {
	return p < 0
}

func (p ParentStoryID) StoryID() MessageID {
	if p < 0 {
		return MessageID(-int64(p))
	}
	return MessageID(p)
}

// ExportStatus is the terminal status of a message export.
type ExportStatus int

const (
	ExportStatusUnexported ExportStatus = iota
	ExportStatusExported
	ExportStatusError
)

// QuoteType distinguishes normal quotes from gift-badge reply quotes.
type QuoteType int

const (
	QuoteTypeNormal QuoteType = iota
	QuoteTypeGiftBadge
)

// BodyRange marks a styled or mention span within a body.
type BodyRange struct {
	Start     int    `json:"start"`
	Length    int    `json:"length"`
	Style     string `json:"style,omitempty"`
	MentionID int64  `json:"mention_id,omitempty"`
}

// Mention links a body span to a recipient.
type Mention struct {
	RecipientID RecipientID `json:"recipient_id"`
	Start       int         `json:"start"`
	Length      int         `json:"length"`
}

// Quote describes the message a row quotes. TargetSent+Author identify the target;
// Missing records that the original could not be found at receive time.
type Quote struct {
	TargetSent uint64
	Author     RecipientID
	Body       string
	Type       QuoteType
	Missing    bool
	BodyRanges []BodyRange
	// Attachments to thumbnail alongside the quote, handed to the attachment store.
	Attachments []Attachment
}

// Attachment is the handle the core passes to the attachment collaborator. Byte storage
// and transcoding live behind AttachmentStore.
type Attachment struct {
	ContentType string
	FileName    string
	Size        int64
	Digest      []byte
	VoiceNote   bool
	Borderless  bool
	VideoGif    bool
}

type AttachmentID int64

// SharedContact is persisted as a JSON blob on the row.
type SharedContact struct {
	Name   string `json:"name"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
	Avatar *int64 `json:"avatar,omitempty"`
}

// LinkPreview is persisted as a JSON blob on the row.
type LinkPreview struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Date        uint64 `json:"date,omitempty"`
	Thumbnail   *int64 `json:"thumbnail,omitempty"`
}

// GiftBadge is the structured payload carried base64-encoded in the body of gift rows.
type GiftBadge struct {
	Credential []byte `json:"credential"`
	Redeemed   bool   `json:"redeemed"`
}

// GroupCallState is the structured payload carried base64-encoded in the body of
// group-call update rows.
type GroupCallState struct {
	EraID     string        `json:"era_id"`
	StartedBy RecipientID   `json:"started_by"`
	StartedAt uint64        `json:"started_at"`
	InCall    []RecipientID `json:"in_call,omitempty"`
	Ended     bool          `json:"ended"`
}

// PaymentNotice is the structured payload carried base64-encoded in the body of payment
// notification rows.
type PaymentNotice struct {
	Receipt []byte `json:"receipt"`
	Note    string `json:"note,omitempty"`
}

// ExportState is the serialized mid-export progress blob.
type ExportState struct {
	SeenRecipients []RecipientID `json:"seen_recipients,omitempty"`
	Progress       int           `json:"progress"`
}

func encodeBodyPayload(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeBodyPayload serializes a structured payload (gift badge, group call state,
// payment notice) into the representation the body column holds for such rows.
func EncodeBodyPayload(v interface{}) (string, error) {
	return encodeBodyPayload(v)
}

func decodeBodyPayload(body string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// Message is the typed projection of a stored row, reconstructed by the Reader.
type Message struct {
	ID             MessageID
	ThreadID       ThreadID
	From           RecipientID
	FromDeviceID   int64
	To             RecipientID
	SentAt         uint64
	ReceivedAt     uint64
	ServerAt       int64
	Type           uint64
	Body           string
	Read           bool
	Notified       bool
	ViewOnce       bool
	Unidentified   bool
	RemoteDeleted  bool
	MentionsSelf   bool
	ServerGUID     string
	ExpiresIn      uint64
	ExpireStarted  uint64
	DeliveryCount  int
	ReadCount      int
	ViewedCount    int
	ReceiptAt      int64
	StoryType      StoryType
	ParentStoryID  ParentStoryID
	ScheduledAt    int64
	Quote          *Quote
	SharedContacts []SharedContact
	LinkPreviews   []LinkPreview
	BodyRanges     []BodyRange
	Mentions       []Mention
	Exported       ExportStatus
	ExportState    *ExportState

	// Edit-chain pointers. LatestRevisionID is nil on the chain head,
	// OriginalMessageID is nil on the first revision.
	LatestRevisionID  *MessageID
	OriginalMessageID *MessageID
	RevisionNumber    int
}

// IsLatestRevision reports whether this row is the current head of its edit chain.
func (m *Message) IsLatestRevision() bool {
	return m.LatestRevisionID == nil
}

// OriginalOrSelf resolves the first revision of the chain this message belongs to.
func (m *Message) OriginalOrSelf() MessageID {
	if m.OriginalMessageID != nil {
		return *m.OriginalMessageID
	}
	return m.ID
}

func (m *Message) GiftBadge() (*GiftBadge, error) {
	gb := &GiftBadge{}
	if err := decodeBodyPayload(m.Body, gb); err != nil {
		return nil, err
	}
	return gb, nil
}

func (m *Message) GroupCallState() (*GroupCallState, error) {
	gc := &GroupCallState{}
	if err := decodeBodyPayload(m.Body, gc); err != nil {
		return nil, err
	}
	return gc, nil
}

func (m *Message) PaymentNotice() (*PaymentNotice, error) {
	pn := &PaymentNotice{}
	if err := decodeBodyPayload(m.Body, pn); err != nil {
		return nil, err
	}
	return pn, nil
}

// Reaction is a row in the reactions collection, keyed by message id.
type Reaction struct {
	MessageID  MessageID
	Author     RecipientID
	Emoji      string
	SentAt     uint64
	ReceivedAt uint64
}

// Thread is the per-conversation aggregate row.
type Thread struct {
	ID                     ThreadID
	RecipientID            RecipientID
	IsGroup                bool
	Date                   uint64
	MeaningfulMessages     bool
	Read                   bool
	UnreadCount            int
	UnreadSelfMentionCount int
	SnippetMessageID       MessageID
	SnippetType            uint64
	SnippetContent         string
	Archived               bool
	LastSeen               uint64
	LastScrolled           uint64
	ExpiresIn              uint64
}
