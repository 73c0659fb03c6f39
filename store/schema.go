package store

import (
	"database/sql"

	"github.com/veilchat/veil/internal/db"
	"github.com/veilchat/veil/migration"
)

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE threads (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						recipient_id INTEGER NOT NULL UNIQUE,
						is_group INTEGER NOT NULL DEFAULT 0,
						date INTEGER NOT NULL DEFAULT 0,
						meaningful_messages INTEGER NOT NULL DEFAULT 0,
						read INTEGER NOT NULL DEFAULT 1,
						unread_count INTEGER NOT NULL DEFAULT 0,
						unread_self_mention_count INTEGER NOT NULL DEFAULT 0,
						snippet_message_id INTEGER NOT NULL DEFAULT 0,
						snippet_type INTEGER NOT NULL DEFAULT 0,
						snippet_content TEXT NOT NULL DEFAULT '',
						archived INTEGER NOT NULL DEFAULT 0,
						last_seen INTEGER NOT NULL DEFAULT 0,
						last_scrolled INTEGER NOT NULL DEFAULT 0,
						expires_in INTEGER NOT NULL DEFAULT 0
					);

					CREATE TABLE messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						date_sent INTEGER NOT NULL,
						date_received INTEGER NOT NULL,
						date_server INTEGER NOT NULL DEFAULT -1,
						thread_id INTEGER NOT NULL REFERENCES threads (id) ON DELETE CASCADE,
						from_recipient_id INTEGER NOT NULL,
						from_device_id INTEGER NOT NULL DEFAULT 0,
						to_recipient_id INTEGER NOT NULL,
						type INTEGER NOT NULL,
						body TEXT,
						read INTEGER NOT NULL DEFAULT 0,
						receipt_timestamp INTEGER NOT NULL DEFAULT -1,
						delivery_receipt_count INTEGER NOT NULL DEFAULT 0,
						read_receipt_count INTEGER NOT NULL DEFAULT 0,
						viewed_receipt_count INTEGER NOT NULL DEFAULT 0,
						expires_in INTEGER NOT NULL DEFAULT 0,
						expire_started INTEGER NOT NULL DEFAULT 0,
						notified INTEGER NOT NULL DEFAULT 0,
						notified_timestamp INTEGER NOT NULL DEFAULT 0,
						quote_id INTEGER NOT NULL DEFAULT 0,
						quote_author INTEGER NOT NULL DEFAULT 0,
						quote_body TEXT,
						quote_missing INTEGER NOT NULL DEFAULT 0,
						quote_body_ranges BLOB,
						quote_type INTEGER NOT NULL DEFAULT 0,
						shared_contacts TEXT,
						link_previews TEXT,
						unidentified INTEGER NOT NULL DEFAULT 0,
						view_once INTEGER NOT NULL DEFAULT 0,
						reactions_unread INTEGER NOT NULL DEFAULT 0,
						reactions_last_seen INTEGER NOT NULL DEFAULT -1,
						remote_deleted INTEGER NOT NULL DEFAULT 0,
						mentions_self INTEGER NOT NULL DEFAULT 0,
						server_guid TEXT,
						message_ranges BLOB,
						story_type INTEGER NOT NULL DEFAULT 0,
						parent_story_id INTEGER NOT NULL DEFAULT 0,
						export_state BLOB,
						exported INTEGER NOT NULL DEFAULT 0,
						scheduled_date INTEGER NOT NULL DEFAULT -1,
						latest_revision_id INTEGER DEFAULT NULL REFERENCES messages (id) ON DELETE CASCADE,
						original_message_id INTEGER DEFAULT NULL REFERENCES messages (id) ON DELETE CASCADE,
						revision_number INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX messages_thread_date on messages (thread_id, date_received);
					CREATE UNIQUE INDEX messages_unique_sent_from_thread on messages (date_sent, from_recipient_id, thread_id);
					CREATE INDEX messages_read_notified_thread on messages (read, notified, thread_id);
					CREATE INDEX messages_type on messages (type);
					CREATE INDEX messages_story_type on messages (story_type);
					CREATE INDEX messages_parent_story on messages (parent_story_id);
					CREATE INDEX messages_latest_revision on messages (latest_revision_id);
					CREATE INDEX messages_original_message on messages (original_message_id);
					CREATE INDEX messages_quote on messages (quote_id, quote_author, scheduled_date, latest_revision_id);
					CREATE INDEX messages_thread_story_scheduled on messages (thread_id, date_received, story_type, parent_story_id, scheduled_date, latest_revision_id);

					CREATE TABLE reactions (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						message_id INTEGER NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
						author_id INTEGER NOT NULL,
						emoji TEXT NOT NULL,
						date_sent INTEGER NOT NULL,
						date_received INTEGER NOT NULL,
						UNIQUE (message_id, author_id) ON CONFLICT REPLACE
					);

					CREATE TABLE mentions (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						thread_id INTEGER NOT NULL,
						message_id INTEGER NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
						recipient_id INTEGER NOT NULL,
						range_start INTEGER NOT NULL,
						range_length INTEGER NOT NULL
					);
					CREATE INDEX mentions_message on mentions (message_id);

					CREATE TABLE group_receipts (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						message_id INTEGER NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
						recipient_id INTEGER NOT NULL,
						status INTEGER NOT NULL,
						timestamp INTEGER NOT NULL DEFAULT -1,
						unidentified INTEGER NOT NULL DEFAULT 0,
						UNIQUE (message_id, recipient_id) ON CONFLICT REPLACE
					);
					CREATE INDEX group_receipts_message on group_receipts (message_id);

					CREATE TABLE story_sends (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						message_id INTEGER NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
						recipient_id INTEGER NOT NULL,
						sent_timestamp INTEGER NOT NULL,
						allows_replies INTEGER NOT NULL,
						UNIQUE (message_id, recipient_id) ON CONFLICT REPLACE
					);
					CREATE INDEX story_sends_recipient_sent on story_sends (recipient_id, sent_timestamp);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}
