package ingest

import (
	"github.com/veilchat/veil/store"
)

// Event is one decrypted, decoded inbound data message. Exactly one aspect of an
// event is acted on, chosen by the pipeline's fixed dispatch order.
type Event struct {
	From         store.RecipientID
	FromDeviceID int64
	// Conversation is the recipient the thread is keyed by: the group for group
	// sends, the author otherwise.
	Conversation store.RecipientID
	IsGroup      bool
	SentAt       uint64
	ServerAt     int64
	ReceivedAt   uint64
	ServerGUID   string
	Unidentified bool

	Body           string
	BodyRanges     []store.BodyRange
	Mentions       []store.Mention
	Attachments    []store.Attachment
	SharedContacts []store.SharedContact
	LinkPreviews   []store.LinkPreview
	Quote          *store.Quote
	ExpiresIn      uint64
	ViewOnce       bool

	// Invalid marks content that decrypted but could not be decoded or is from an
	// unsupported protocol version; a placeholder row is stored for it.
	Invalid           bool
	EndSession        bool
	ExpirationUpdate  bool
	Reaction          *Reaction
	RemoteDelete      *RemoteDelete
	PaymentActivation *PaymentActivation
	Payment           *store.PaymentNotice
	StoryContext      *StoryContext
	GiftBadge         *store.GiftBadge
	GroupCallUpdate   *store.GroupCallState
	EditTargetSent    uint64
}

// Reaction is an emoji applied to (or removed from) an earlier message.
type Reaction struct {
	Emoji        string
	Remove       bool
	TargetSent   uint64
	TargetAuthor store.RecipientID
}

// RemoteDelete retracts an earlier message by the same author.
type RemoteDelete struct {
	TargetSent uint64
}

// PaymentActivation is the payments enablement handshake.
type PaymentActivation struct {
	Request   bool
	Activated bool
}

// StoryContext points a reply or reaction at a story.
type StoryContext struct {
	Author  store.RecipientID
	SentAt  uint64
	IsGroup bool
}

func (e *Event) hasMedia() bool {
	return len(e.Attachments) != 0 || len(e.SharedContacts) != 0 || len(e.LinkPreviews) != 0
}
