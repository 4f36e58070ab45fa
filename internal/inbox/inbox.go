// Package inbox implements the dedup/claim/complete inbox queue (C2):
// one row per inbound event, claimed at most once by the processor.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cortexlabs/cortex/internal/ids"
	"github.com/cortexlabs/cortex/internal/store"
)

// Status values for InboxMessage.status.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Message is one inbound event row.
type Message struct {
	ID                string
	Source            string
	ExternalMessageID string
	TopicKey          string
	UserID            string
	Text              string
	OccurredAt        int64
	IdempotencyKey    string
	Metadata          json.RawMessage
	Status            string
	Attempts          int
	Error             *string
	CreatedAt         int64
	UpdatedAt         int64
}

// Input describes a new inbound event to enqueue.
type Input struct {
	Source            string
	ExternalMessageID string
	TopicKey          string
	UserID            string
	Text              string
	OccurredAt        int64
	IdempotencyKey    string
	Metadata          json.RawMessage
}

// EnqueueResult reports whether Enqueue created a new row or found an
// existing one for the same dedup key.
type EnqueueResult struct {
	ID        string
	Duplicate bool
}

// Queue is the inbox queue backed by the shared Store.
type Queue struct {
	store *store.Store
}

// New constructs an inbox Queue over st.
func New(st *store.Store) *Queue {
	return &Queue{store: st}
}

// FindDuplicate returns the id of an existing row with the given dedup key,
// or "" if none exists.
func (q *Queue) FindDuplicate(ctx context.Context, source, externalMessageID string) (string, error) {
	var id string
	err := q.store.DB().QueryRowContext(ctx, `
		SELECT id FROM inbox_messages WHERE source = ? AND external_message_id = ?
	`, source, externalMessageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inbox: find duplicate: %w", err)
	}
	return id, nil
}

// Enqueue inserts a new inbox row, or returns the existing id with
// Duplicate=true when (source, external_message_id) already exists. The
// optimistic lookup-then-insert lets a replayed event return without a
// failing INSERT, and a concurrent-insert race is still handled by falling
// back to a re-read when the INSERT fails.
func (q *Queue) Enqueue(ctx context.Context, in Input) (EnqueueResult, error) {
	if existing, err := q.FindDuplicate(ctx, in.Source, in.ExternalMessageID); err != nil {
		return EnqueueResult{}, err
	} else if existing != "" {
		return EnqueueResult{ID: existing, Duplicate: true}, nil
	}

	id := ids.Event()
	now := store.NowMillis()
	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO inbox_messages (
			id, source, external_message_id, topic_key, user_id, text,
			occurred_at, idempotency_key, metadata, status, attempts,
			error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, NULL, ?, ?)
	`, id, in.Source, in.ExternalMessageID, in.TopicKey, in.UserID, in.Text,
		in.OccurredAt, in.IdempotencyKey, nullableJSON(in.Metadata), now, now)
	if err != nil {
		// Concurrent insert race: another caller won, re-read its id.
		if existing, findErr := q.FindDuplicate(ctx, in.Source, in.ExternalMessageID); findErr == nil && existing != "" {
			return EnqueueResult{ID: existing, Duplicate: true}, nil
		}
		return EnqueueResult{}, fmt.Errorf("inbox: enqueue: %w", err)
	}
	return EnqueueResult{ID: id, Duplicate: false}, nil
}

// ClaimNext atomically claims the oldest pending row (by created_at, then
// rowid) and flips it to processing, incrementing attempts. Returns nil,
// nil when there is nothing to claim.
func (q *Queue) ClaimNext(ctx context.Context) (*Message, error) {
	var claimed *Message
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM inbox_messages
			WHERE status = 'pending'
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("inbox: select next: %w", err)
		}

		now := store.NowMillis()
		if _, err := tx.ExecContext(ctx, `
			UPDATE inbox_messages
			SET status = 'processing', attempts = attempts + 1, updated_at = ?
			WHERE id = ?
		`, now, id); err != nil {
			return fmt.Errorf("inbox: claim: %w", err)
		}

		msg, err := scanMessage(tx.QueryRowContext(ctx, selectByID, id))
		if err != nil {
			return err
		}
		claimed = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks id done (errMsg == nil) or failed (errMsg != nil), and
// returns store.ErrNotFound when no row has that id.
func (q *Queue) Complete(ctx context.Context, id string, errMsg *string) error {
	status := StatusDone
	if errMsg != nil {
		status = StatusFailed
	}
	res, err := q.store.DB().ExecContext(ctx, `
		UPDATE inbox_messages SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, errMsg, store.NowMillis(), id)
	if err != nil {
		return fmt.Errorf("inbox: complete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

const selectByID = `
	SELECT id, source, external_message_id, topic_key, user_id, text,
		occurred_at, idempotency_key, metadata, status, attempts, error,
		created_at, updated_at
	FROM inbox_messages WHERE id = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var metadata sql.NullString
	var errStr sql.NullString
	if err := row.Scan(
		&m.ID, &m.Source, &m.ExternalMessageID, &m.TopicKey, &m.UserID, &m.Text,
		&m.OccurredAt, &m.IdempotencyKey, &metadata, &m.Status, &m.Attempts, &errStr,
		&m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("inbox: scan: %w", err)
	}
	if metadata.Valid {
		m.Metadata = json.RawMessage(metadata.String)
	}
	if errStr.Valid {
		m.Error = &errStr.String
	}
	return &m, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
