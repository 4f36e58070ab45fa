// Package outbox implements the leased-poll outbox queue (C3): enqueue,
// lease-based poll with exponential backoff and jitter, ack, dead-lettering.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexlabs/cortex/internal/ids"
	"github.com/cortexlabs/cortex/internal/store"
)

// Status values for OutboxMessage.status.
const (
	StatusPending   = "pending"
	StatusLeased    = "leased"
	StatusDelivered = "delivered"
	StatusDead      = "dead"
)

// AckStatus is the result of an Ack call.
type AckStatus string

const (
	AckDelivered        AckStatus = "delivered"
	AckAlreadyDelivered AckStatus = "already_delivered"
	AckLeaseConflict    AckStatus = "lease_conflict"
	AckNotFound         AckStatus = "not_found"
)

// PolledMessage is one row returned from Poll.
type PolledMessage struct {
	MessageID  string
	LeaseToken string
	TopicKey   string
	Text       string
	Payload    json.RawMessage
}

// Queue is the outbox queue backed by the shared Store.
type Queue struct {
	store        *store.Store
	rng          func() float64
	deadLettered prometheus.Counter
}

// New constructs an outbox Queue over st.
func New(st *store.Store) *Queue {
	return &Queue{store: st, rng: rand.Float64}
}

// SetDeadLetterCounter wires a counter incremented every time Poll moves a
// message to the dead state. Optional; nil leaves dead-lettering unmetered.
func (q *Queue) SetDeadLetterCounter(c prometheus.Counter) {
	q.deadLettered = c
}

// Enqueue inserts a new pending outbox row, immediately eligible for poll.
func (q *Queue) Enqueue(ctx context.Context, source, topicKey, text string, payload json.RawMessage) (string, error) {
	id := ids.Outbox()
	now := store.NowMillis()
	_, err := q.store.DB().ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, source, topic_key, text, payload, status, attempts,
			next_attempt_at, lease_token, lease_expires_at, last_error,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, NULL, NULL, NULL, ?, ?)
	`, id, source, topicKey, text, nullableJSON(payload), now, now, now)
	if err != nil {
		return "", fmt.Errorf("outbox: enqueue: %w", err)
	}
	return id, nil
}

// backoffMillis implements spec §4.3: min(5000*2^(attempts-1), 900000) *
// uniform jitter in [0.8, 1.2].
func backoffMillis(attempts int, jitter float64) int64 {
	exp := float64(attempts - 1)
	if exp < 0 {
		exp = 0
	}
	base := math.Min(5000*math.Pow(2, exp), 900000)
	factor := 0.8 + jitter*0.4
	return int64(math.Round(base * factor))
}

// Poll claims up to max eligible rows for source (optionally scoped to
// topicKey), leasing each for leaseSeconds and applying backoff/dead-letter
// per the attempt counter against maxAttempts.
func (q *Queue) Poll(ctx context.Context, source string, topicKey string, max int, leaseSeconds int, maxAttempts int) ([]PolledMessage, error) {
	var results []PolledMessage
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		now := store.NowMillis()
		query := `
			SELECT id FROM outbox_messages
			WHERE source = ?
				AND next_attempt_at <= ?
				AND (status = 'pending' OR (status = 'leased' AND lease_expires_at <= ?))
		`
		args := []any{source, now, now}
		if topicKey != "" {
			query += ` AND topic_key = ?`
			args = append(args, topicKey)
		}
		query += ` ORDER BY next_attempt_at ASC, created_at ASC LIMIT ?`
		args = append(args, max)

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("outbox: select eligible: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("outbox: scan eligible: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		for _, id := range ids {
			msg, err := q.claimOne(ctx, tx, id, leaseSeconds, maxAttempts)
			if err != nil {
				return err
			}
			if msg != nil {
				results = append(results, *msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []PolledMessage{}
	}
	return results, nil
}

func (q *Queue) claimOne(ctx context.Context, tx *sql.Tx, id string, leaseSeconds int, maxAttempts int) (*PolledMessage, error) {
	var attempts int
	var topicKey, text string
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT attempts, topic_key, text, payload FROM outbox_messages WHERE id = ?
	`, id).Scan(&attempts, &topicKey, &text, &payload)
	if err != nil {
		return nil, fmt.Errorf("outbox: read for claim: %w", err)
	}
	attempts++
	now := store.NowMillis()

	if attempts > maxAttempts {
		if _, err := tx.ExecContext(ctx, `
			UPDATE outbox_messages
			SET status = 'dead', attempts = ?, last_error = 'max attempts exceeded', updated_at = ?
			WHERE id = ?
		`, attempts, now, id); err != nil {
			return nil, fmt.Errorf("outbox: dead-letter: %w", err)
		}
		if q.deadLettered != nil {
			q.deadLettered.Inc()
		}
		return nil, nil
	}

	token := ids.Lease()
	leaseExpiresAt := now + int64(leaseSeconds)*1000
	nextAttemptAt := now + backoffMillis(attempts, q.rng())

	if _, err := tx.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'leased', attempts = ?, lease_token = ?, lease_expires_at = ?,
			next_attempt_at = ?, updated_at = ?
		WHERE id = ?
	`, attempts, token, leaseExpiresAt, nextAttemptAt, now, id); err != nil {
		return nil, fmt.Errorf("outbox: lease: %w", err)
	}

	var payloadRaw json.RawMessage
	if payload.Valid {
		payloadRaw = json.RawMessage(payload.String)
	}
	return &PolledMessage{
		MessageID:  id,
		LeaseToken: token,
		TopicKey:   topicKey,
		Text:       text,
		Payload:    payloadRaw,
	}, nil
}

// Ack acknowledges delivery of messageID using leaseToken.
func (q *Queue) Ack(ctx context.Context, messageID, leaseToken string) (AckStatus, error) {
	var result AckStatus
	err := q.store.Transaction(ctx, func(tx *sql.Tx) error {
		var status string
		var token sql.NullString
		var leaseExpiresAt sql.NullInt64
		err := tx.QueryRowContext(ctx, `
			SELECT status, lease_token, lease_expires_at FROM outbox_messages WHERE id = ?
		`, messageID).Scan(&status, &token, &leaseExpiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			result = AckNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("outbox: read for ack: %w", err)
		}

		if status == StatusDelivered && token.Valid && token.String == leaseToken {
			result = AckAlreadyDelivered
			return nil
		}

		now := store.NowMillis()
		expired := leaseExpiresAt.Valid && leaseExpiresAt.Int64 <= now
		if status != StatusLeased || !token.Valid || token.String != leaseToken || expired {
			result = AckLeaseConflict
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE outbox_messages SET status = 'delivered', updated_at = ?
			WHERE id = ? AND status = 'leased' AND lease_token = ?
		`, now, messageID, leaseToken)
		if err != nil {
			return fmt.Errorf("outbox: ack: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			result = AckLeaseConflict
			return nil
		}
		result = AckDelivered
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
