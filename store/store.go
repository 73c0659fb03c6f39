// Package store implements the durable, transactional message table for a messaging
// client, together with the per-thread aggregates, receipt reconciliation, edit-revision
// chains and the typed reader over stored rows. All multi-step mutations run inside a
// single write transaction; observer callbacks fire only after commit.
package store

import (
	"fmt"

	"github.com/veilchat/veil/clock"
	"github.com/veilchat/veil/config"
	"github.com/veilchat/veil/internal/db"
	"github.com/veilchat/veil/jobs"
	"go.uber.org/zap"
)

// AttachmentStore associates binary payloads with message rows. Byte storage and
// transcoding happen elsewhere; the core only drives association and cascade.
type AttachmentStore interface {
	// InsertAttachmentsForMessage returns ids parallel to the attachments slice.
	InsertAttachmentsForMessage(messageID MessageID, attachments, quoteAttachments []Attachment) ([]AttachmentID, error)
	// DeleteAttachmentsForMessage reports whether any attachment was actually removed.
	DeleteAttachmentsForMessage(messageID MessageID) (bool, error)
	DuplicateAttachmentsForMessage(newMessageID, fromMessageID MessageID, excluded []AttachmentID) error
	AttachmentIDsForMessage(messageID MessageID) ([]AttachmentID, error)
}

// Observer receives best-effort notifications about durable-state changes. All methods
// are invoked after the owning transaction commits, from their own goroutine, and must
// never block on the store.
type Observer interface {
	MessageInserted(messageID MessageID, threadID ThreadID)
	MessageUpdated(messageID MessageID, threadID ThreadID)
	ConversationUpdated(threadID ThreadID)
	ConversationListUpdated()
	ScheduledMessageUpdated(messageID MessageID, threadID ThreadID)
	StoryUpdated(messageID MessageID)
	AttachmentsUpdated()
}

// SearchIndexer is the fire-and-forget full-text index collaborator.
type SearchIndexer interface {
	Optimize() error
}

// Downloader schedules attachment downloads for a freshly inserted message.
type Downloader interface {
	DownloadAttachmentsForMessage(messageID MessageID) error
}

type noopAttachments struct{}

func (noopAttachments) InsertAttachmentsForMessage(MessageID, []Attachment, []Attachment) ([]AttachmentID, error) {
	return nil, nil
}
func (noopAttachments) DeleteAttachmentsForMessage(MessageID) (bool, error) { return false, nil }
func (noopAttachments) DuplicateAttachmentsForMessage(MessageID, MessageID, []AttachmentID) error {
	return nil
}
func (noopAttachments) AttachmentIDsForMessage(MessageID) ([]AttachmentID, error) { return nil, nil }

type noopObserver struct{}

func (noopObserver) MessageInserted(MessageID, ThreadID)          {}
func (noopObserver) MessageUpdated(MessageID, ThreadID)           {}
func (noopObserver) ConversationUpdated(ThreadID)                 {}
func (noopObserver) ConversationListUpdated()                     {}
func (noopObserver) ScheduledMessageUpdated(MessageID, ThreadID)  {}
func (noopObserver) StoryUpdated(MessageID)                       {}
func (noopObserver) AttachmentsUpdated()                          {}

type Manager struct {
	config        *config.Config
	log           *zap.SugaredLogger
	db            *database
	clock         clock.Clock
	attachments   AttachmentStore
	observer      Observer
	indexer       SearchIndexer
	downloader    Downloader
	jobs          *jobs.Runner
	earlyReceipts *EarlyReceiptCache
	selfID        RecipientID
	deviceID      int64
}

type ManagerOption func(*Manager)

func WithAttachmentStore(a AttachmentStore) ManagerOption {
	return func(m *Manager) {
		m.attachments = a
	}
}

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		m.observer = o
	}
}

func WithSearchIndexer(s SearchIndexer) ManagerOption {
	return func(m *Manager) {
		m.indexer = s
	}
}

func WithDownloader(d Downloader) ManagerOption {
	return func(m *Manager) {
		m.downloader = d
	}
}

// WithEarlyReceiptCache substitutes the early-delivery-receipt cache, letting tests
// inject a deterministic instance.
func WithEarlyReceiptCache(c *EarlyReceiptCache) ManagerOption {
	return func(m *Manager) {
		m.earlyReceipts = c
	}
}

func NewManager(c *config.Config, internalDB *db.Database, runner *jobs.Runner, selfID RecipientID, deviceID int64, opts ...ManagerOption) (*Manager, error) {
	d, err := newDatabase(internalDB)
	if err != nil {
		return nil, fmt.Errorf("store: error initializing database: %w", err)
	}

	m := &Manager{
		config:        c,
		log:           c.Logger("store"),
		db:            d,
		clock:         internalDB.Clock,
		attachments:   noopAttachments{},
		observer:      noopObserver{},
		jobs:          runner,
		earlyReceipts: NewEarlyReceiptCache(c.EarlyReceiptMaxSize),
		selfID:        selfID,
		deviceID:      deviceID,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Self returns the recipient id this store considers "us". Receipts only match rows we
// sent; read syncs match rows we sent or received.
func (m *Manager) Self() RecipientID {
	return m.selfID
}

func (m *Manager) afterCommitNotifyConversation(threadID int64) {
	m.db.AfterCommit(func() {
		m.observer.ConversationUpdated(ThreadID(threadID))
		m.observer.ConversationListUpdated()
	})
}

func (m *Manager) afterCommitNotifyConversationList() {
	m.db.AfterCommit(func() {
		m.observer.ConversationListUpdated()
	})
}

func (m *Manager) enqueueSearchIndexOptimize() {
	if m.indexer == nil || m.jobs == nil {
		return
	}
	indexer := m.indexer
	m.db.AfterCommit(func() {
		m.jobs.Enqueue("optimize-search-index", indexer.Optimize)
	})
}

func (m *Manager) enqueueThreadTrim(threadID ThreadID) {
	if m.jobs == nil {
		return
	}
	length := m.config.TrimThreadLength
	m.db.AfterCommit(func() {
		m.jobs.Enqueue("trim-thread", func() error {
			return m.TrimThread(threadID, length)
		})
	})
}

func (m *Manager) enqueueAttachmentDownload(messageID MessageID) {
	if m.downloader == nil || m.jobs == nil {
		return
	}
	downloader := m.downloader
	m.db.AfterCommit(func() {
		m.jobs.Enqueue("download-attachments", func() error {
			return downloader.DownloadAttachmentsForMessage(messageID)
		})
	})
}
