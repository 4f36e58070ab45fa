// Package extraction implements the per-topic extraction cursor (C5) and
// the fact/summary extraction pipeline (C11) that drains turns past the
// cursor into the external memory service.
package extraction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cortexlabs/cortex/internal/store"
)

// Cursor is a topic's extraction high-water mark.
type Cursor struct {
	TopicKey             string
	LastExtractedRowID   int64
	TurnsSinceExtraction int
}

// CursorStore persists ExtractionCursor rows.
type CursorStore struct {
	db *store.Store
}

// NewCursorStore constructs a CursorStore over st.
func NewCursorStore(st *store.Store) *CursorStore {
	return &CursorStore{db: st}
}

// Get returns the cursor for topic, or nil if none exists yet.
func (s *CursorStore) Get(ctx context.Context, topic string) (*Cursor, error) {
	var c Cursor
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT topic_key, last_extracted_rowid, turns_since_extraction
		FROM extraction_cursors WHERE topic_key = ?
	`, topic).Scan(&c.TopicKey, &c.LastExtractedRowID, &c.TurnsSinceExtraction)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extraction: get cursor: %w", err)
	}
	return &c, nil
}

// Increment creates the cursor lazily on first call (last_extracted_rowid=0,
// turns_since_extraction=1) or increments turns_since_extraction by one.
// Called unconditionally by the processor per message, independent of
// whether extraction actually runs (spec §9 Open Question).
func (s *CursorStore) Increment(ctx context.Context, topic string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO extraction_cursors (topic_key, last_extracted_rowid, turns_since_extraction)
		VALUES (?, 0, 1)
		ON CONFLICT(topic_key) DO UPDATE SET
			turns_since_extraction = turns_since_extraction + 1
	`, topic)
	if err != nil {
		return fmt.Errorf("extraction: increment cursor: %w", err)
	}
	return nil
}

// Advance sets last_extracted_rowid to MAX(existing, lastRowID) and resets
// turns_since_extraction to 0. The MAX guard protects monotonicity even
// against a logic bug calling Advance out of order.
func (s *CursorStore) Advance(ctx context.Context, topic string, lastRowID int64) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO extraction_cursors (topic_key, last_extracted_rowid, turns_since_extraction)
		VALUES (?, ?, 0)
		ON CONFLICT(topic_key) DO UPDATE SET
			last_extracted_rowid = MAX(last_extracted_rowid, excluded.last_extracted_rowid),
			turns_since_extraction = 0
	`, topic, lastRowID)
	if err != nil {
		return fmt.Errorf("extraction: advance cursor: %w", err)
	}
	return nil
}

// TopicSummary is the rolling summary maintained per topic.
type TopicSummary struct {
	TopicKey  string
	Summary   string
	UpdatedAt int64
}

// SummaryStore persists TopicSummary rows.
type SummaryStore struct {
	db *store.Store
}

// NewSummaryStore constructs a SummaryStore over st.
func NewSummaryStore(st *store.Store) *SummaryStore {
	return &SummaryStore{db: st}
}

// Get returns the summary for topic, or nil if none exists.
func (s *SummaryStore) Get(ctx context.Context, topic string) (*TopicSummary, error) {
	var ts TopicSummary
	err := s.db.DB().QueryRowContext(ctx, `
		SELECT topic_key, summary, updated_at FROM topic_summaries WHERE topic_key = ?
	`, topic).Scan(&ts.TopicKey, &ts.Summary, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("extraction: get summary: %w", err)
	}
	return &ts, nil
}

// Upsert writes or replaces the summary for topic.
func (s *SummaryStore) Upsert(ctx context.Context, topic, summary string) error {
	_, err := s.db.DB().ExecContext(ctx, `
		INSERT INTO topic_summaries (topic_key, summary, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(topic_key) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at
	`, topic, summary, store.NowMillis())
	if err != nil {
		return fmt.Errorf("extraction: upsert summary: %w", err)
	}
	return nil
}

// LoadTurnsSince loads turns for topic with rowid > afterRowID, ascending,
// capped at limit.
func LoadTurnsSince(ctx context.Context, st *store.Store, topic string, afterRowID int64, limit int) ([]TurnRow, error) {
	rows, err := st.DB().QueryContext(ctx, `
		SELECT rowid, role, content, tool_calls, tool_call_id, name
		FROM turns
		WHERE topic_key = ? AND rowid > ?
		ORDER BY rowid ASC
		LIMIT ?
	`, topic, afterRowID, limit)
	if err != nil {
		return nil, fmt.Errorf("extraction: load turns since: %w", err)
	}
	defer rows.Close()

	var out []TurnRow
	for rows.Next() {
		var t TurnRow
		var toolCalls sql.NullString
		var toolCallID, name sql.NullString
		if err := rows.Scan(&t.RowID, &t.Role, &t.Content, &toolCalls, &toolCallID, &name); err != nil {
			return nil, fmt.Errorf("extraction: scan turn row: %w", err)
		}
		t.HasToolCalls = toolCalls.Valid && toolCalls.String != "" && toolCalls.String != "null"
		t.ToolCallID = toolCallID.String
		t.Name = name.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// TurnRow is the subset of Turn fields the extraction pipeline needs.
type TurnRow struct {
	RowID        int64
	Role         string
	Content      string
	HasToolCalls bool
	ToolCallID   string
	Name         string
}
