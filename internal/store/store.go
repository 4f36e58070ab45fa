// Package store wraps the embedded SQL engine backing Cortex's durable
// queues, history, and cursors: one writer connection, WAL journaling,
// foreign keys enforced, schema created with IF NOT EXISTS statements.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Sentinel errors, checked with errors.Is the way the teacher's
// internal/storage package does. ErrNotFound is returned by inbox.Complete;
// ErrAlreadyExists and ErrLeaseConflict are declared but no package in this
// module returns them (outbox reports lease conflicts as an AckStatus).
var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	ErrLeaseConflict = errors.New("store: lease conflict")
)

const schema = `
CREATE TABLE IF NOT EXISTS inbox_messages (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	topic_key TEXT NOT NULL,
	user_id TEXT NOT NULL,
	text TEXT NOT NULL,
	occurred_at INTEGER NOT NULL,
	idempotency_key TEXT NOT NULL,
	metadata TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (source, external_message_id)
);
CREATE INDEX IF NOT EXISTS idx_inbox_status_created ON inbox_messages(status, created_at);
CREATE INDEX IF NOT EXISTS idx_inbox_topic_status ON inbox_messages(topic_key, status);

CREATE TABLE IF NOT EXISTS outbox_messages (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	topic_key TEXT NOT NULL,
	text TEXT NOT NULL,
	payload TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	lease_token TEXT,
	lease_expires_at INTEGER,
	last_error TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outbox_source_status_next ON outbox_messages(source, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS turns (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL,
	topic_key TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT,
	tool_call_id TEXT,
	name TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_topic_rowid ON turns(topic_key, rowid);

CREATE TABLE IF NOT EXISTS extraction_cursors (
	topic_key TEXT PRIMARY KEY,
	last_extracted_rowid INTEGER NOT NULL DEFAULT 0,
	turns_since_extraction INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS topic_summaries (
	topic_key TEXT PRIMARY KEY,
	summary TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store owns the single writer connection to the embedded database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path, or an in-memory
// database when path is ":memory:" or empty. WAL journaling and foreign
// keys are enabled via connection pragmas, matching the spec's single-writer
// model: at most one open connection is kept.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(ON)&cache=shared"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY from this package's own
	// concurrent callers; the embedded engine still serializes internally.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for packages in this module that prepare
// their own statements against the shared connection.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Transaction runs f inside a single serializable transaction, committing on
// success and rolling back on error or panic.
func (s *Store) Transaction(ctx context.Context, f func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("store: rollback after %w failed: %v", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit transaction: %w", err)
	}
	return nil
}

// Purge deletes all inbox and outbox rows. Used by tests and operational
// resets; history, cursors, and summaries are left intact.
func (s *Store) Purge(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_messages`); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outbox_messages`); err != nil {
			return err
		}
		return nil
	})
}

// ReclaimStaleProcessing resets inbox rows stuck in status=processing for
// longer than olderThan back to pending, so a crash mid-processing does not
// strand a message forever. Called once at startup; see SPEC_FULL.md §3.2.
func (s *Store) ReclaimStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := NowMillis() - olderThan.Milliseconds()
	res, err := s.db.ExecContext(ctx, `
		UPDATE inbox_messages
		SET status = 'pending', updated_at = ?
		WHERE status = 'processing' AND updated_at <= ?
	`, NowMillis(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: reclaim stale processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// NowMillis returns the current time as milliseconds since epoch, the time
// representation used throughout the data model.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
