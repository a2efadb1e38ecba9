// Package store owns the persistent state of the service: accounts,
// the outbound message queue, drafts, the agent action journal, and
// message embeddings. A single writable SQLite handle is opened at process
// start; all operations are short transactions against it.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ignite/envelope/internal/crypto"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    smtp_host TEXT NOT NULL,
    smtp_port INTEGER NOT NULL DEFAULT 587,
    imap_host TEXT NOT NULL,
    imap_port INTEGER NOT NULL DEFAULT 993,
    username TEXT NOT NULL,
    encrypted_password TEXT NOT NULL,
    smtp_username TEXT,
    encrypted_smtp_password TEXT,
    imap_username TEXT,
    encrypted_imap_password TEXT,
    display_name TEXT,
    approval_required INTEGER NOT NULL DEFAULT 1,
    auto_send_threshold REAL NOT NULL DEFAULT 0.85,
    review_threshold REAL NOT NULL DEFAULT 0.50,
    rate_limit_per_hour INTEGER,
    created_at TEXT NOT NULL,
    verified_at TEXT
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    message_id TEXT,
    direction TEXT NOT NULL DEFAULT 'outbound',
    from_addr TEXT NOT NULL,
    to_addr TEXT NOT NULL,
    subject TEXT,
    status TEXT NOT NULL DEFAULT 'queued',
    error TEXT,
    text_content TEXT,
    html_content TEXT,
    in_reply_to TEXT,
    retry_count INTEGER NOT NULL DEFAULT 0,
    next_retry_at TEXT,
    created_at TEXT NOT NULL,
    sent_at TEXT,
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS drafts (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    to_addr TEXT NOT NULL,
    subject TEXT,
    text_content TEXT,
    html_content TEXT,
    in_reply_to TEXT,
    metadata TEXT,
    message_id TEXT,
    send_after TEXT,
    snoozed_until TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    sent_at TEXT,
    created_by TEXT,
    FOREIGN KEY (account_id) REFERENCES accounts(id)
);

CREATE TABLE IF NOT EXISTS agent_actions (
    id TEXT PRIMARY KEY,
    inbound_message_id TEXT NOT NULL UNIQUE,
    from_addr TEXT,
    subject TEXT,
    classification TEXT,
    confidence REAL,
    action TEXT,
    reasoning TEXT,
    draft_reply TEXT,
    escalation_note TEXT,
    outbound_message_id TEXT,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_links (
    message_id TEXT NOT NULL,
    references_id TEXT NOT NULL,
    account_id TEXT NOT NULL,
    discovered_at TEXT NOT NULL,
    PRIMARY KEY (message_id, references_id)
);

CREATE TABLE IF NOT EXISTS message_embeddings (
    message_id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    embedding BLOB NOT NULL,
    model TEXT NOT NULL,
    embedded_at TEXT NOT NULL
);
`

// migrations are applied unconditionally; "duplicate column" errors mean the
// column already exists and are ignored.
var migrations = []string{
	"ALTER TABLE messages ADD COLUMN text_content TEXT",
	"ALTER TABLE messages ADD COLUMN html_content TEXT",
	"ALTER TABLE messages ADD COLUMN in_reply_to TEXT",
	"ALTER TABLE messages ADD COLUMN retry_count INTEGER NOT NULL DEFAULT 0",
	"ALTER TABLE messages ADD COLUMN next_retry_at TEXT",
	"ALTER TABLE accounts ADD COLUMN auto_send_threshold REAL NOT NULL DEFAULT 0.85",
	"ALTER TABLE accounts ADD COLUMN review_threshold REAL NOT NULL DEFAULT 0.50",
	"ALTER TABLE accounts ADD COLUMN rate_limit_per_hour INTEGER",
	"ALTER TABLE drafts ADD COLUMN send_after TEXT",
	"ALTER TABLE drafts ADD COLUMN snoozed_until TEXT",
}

// timeLayout is the canonical timestamp format. Fixed-width UTC so that
// string comparison in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Store is the single-writer handle to the SQLite database.
type Store struct {
	db  *sql.DB
	box *crypto.Box
}

// Open opens (creating if needed) the database at path and applies the
// schema and migrations. The box encrypts credentials at rest.
func Open(path string, box *crypto.Box) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Queue claims depend on a single writer; see RecoverOrphans.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, box: box}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: schema: %w", err)
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("store: migration %q: %w", m, err)
		}
	}
	return nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components that query directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

func nowISO() string {
	return time.Now().UTC().Format(timeLayout)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// FormatTime renders t in the canonical timestamp format.
func FormatTime(t time.Time) string {
	return formatTime(t)
}

// ParseTime parses a canonical timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}
