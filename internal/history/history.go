// Package history implements the per-topic turn log (C4): append-only
// storage with tool-call fidelity and a recent-N loader grouped by user
// message.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/cortexlabs/cortex/internal/ids"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/store"
)

// Role values for Turn.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Turn is one persisted conversational message, with its rowid carrying
// strict insertion order even when created_at collides.
type Turn struct {
	RowID      int64
	ID         string
	TopicKey   string
	Role       string
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	Name       string
	CreatedAt  int64
}

// ToChatMessage converts a Turn into the wire shape sent to the LLM client.
func (t Turn) ToChatMessage() llm.ChatMessage {
	return llm.ChatMessage{
		Role:       t.Role,
		Content:    t.Content,
		ToolCalls:  t.ToolCalls,
		ToolCallID: t.ToolCallID,
		Name:       t.Name,
	}
}

// NewTurn describes a turn to append.
type NewTurn struct {
	Role       string
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	Name       string
}

// Store is the history store backed by the shared database Store.
type Store struct {
	db *store.Store
}

// New constructs a history Store over st.
func New(st *store.Store) *Store {
	return &Store{db: st}
}

// SaveTurn appends a single turn.
func (s *Store) SaveTurn(ctx context.Context, topic string, t NewTurn) (*Turn, error) {
	var saved *Turn
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		turn, err := insertTurn(ctx, tx, topic, t)
		if err != nil {
			return err
		}
		saved = turn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

// SaveAgentHistory appends turns atomically in a single transaction, so a
// crash mid-agent-loop never leaves a partial round visible (spec §4.4).
func (s *Store) SaveAgentHistory(ctx context.Context, topic string, turns []NewTurn) ([]*Turn, error) {
	var saved []*Turn
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		for _, t := range turns {
			turn, err := insertTurn(ctx, tx, topic, t)
			if err != nil {
				return err
			}
			saved = append(saved, turn)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, topic string, t NewTurn) (*Turn, error) {
	id := ids.Turn()
	now := store.NowMillis()
	var toolCallsJSON any
	if len(t.ToolCalls) > 0 {
		b, err := json.Marshal(t.ToolCalls)
		if err != nil {
			return nil, fmt.Errorf("history: marshal tool_calls: %w", err)
		}
		toolCallsJSON = string(b)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, topic_key, role, content, tool_calls, tool_call_id, name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, topic, t.Role, t.Content, toolCallsJSON, nullableString(t.ToolCallID), nullableString(t.Name), now)
	if err != nil {
		return nil, fmt.Errorf("history: insert turn: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("history: last insert id: %w", err)
	}

	return &Turn{
		RowID:      rowID,
		ID:         id,
		TopicKey:   topic,
		Role:       t.Role,
		Content:    t.Content,
		ToolCalls:  t.ToolCalls,
		ToolCallID: t.ToolCallID,
		Name:       t.Name,
		CreatedAt:  now,
	}, nil
}

// LoadRecent loads the last userGroupLimit user-message groups for topic,
// flattened oldest-first, where a group is a user turn plus every following
// assistant/tool turn until the next user turn (spec §4.4).
func (s *Store) LoadRecent(ctx context.Context, topic string, userGroupLimit int) ([]Turn, error) {
	if userGroupLimit <= 0 {
		userGroupLimit = 8
	}
	// 8x the group limit is enough rows to cover tool-heavy topics per the
	// spec's implementation hint.
	rowLimit := userGroupLimit * 8

	rows, err := s.db.DB().QueryContext(ctx, `
		SELECT rowid, id, topic_key, role, content, tool_calls, tool_call_id, name, created_at
		FROM turns
		WHERE topic_key = ?
		ORDER BY rowid DESC
		LIMIT ?
	`, topic, rowLimit)
	if err != nil {
		return nil, fmt.Errorf("history: load recent: %w", err)
	}
	defer rows.Close()

	var recentDesc []Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		recentDesc = append(recentDesc, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// recentDesc is newest-first; reverse to oldest-first before grouping.
	asc := make([]Turn, len(recentDesc))
	for i, t := range recentDesc {
		asc[len(recentDesc)-1-i] = t
	}

	groups := groupByUserStart(asc)
	if len(groups) > userGroupLimit {
		groups = groups[len(groups)-userGroupLimit:]
	}

	var flat []Turn
	for _, g := range groups {
		flat = append(flat, g...)
	}
	return flat, nil
}

func groupByUserStart(turns []Turn) [][]Turn {
	var groups [][]Turn
	for _, t := range turns {
		if t.Role == RoleUser || len(groups) == 0 {
			groups = append(groups, []Turn{t})
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], t)
	}
	return groups
}

type rowsScanner interface {
	Scan(dest ...any) error
}

func scanTurn(row rowsScanner) (Turn, error) {
	var t Turn
	var toolCalls sql.NullString
	var toolCallID, name sql.NullString
	if err := row.Scan(
		&t.RowID, &t.ID, &t.TopicKey, &t.Role, &t.Content, &toolCalls, &toolCallID, &name, &t.CreatedAt,
	); err != nil {
		return Turn{}, fmt.Errorf("history: scan turn: %w", err)
	}
	if toolCalls.Valid && toolCalls.String != "" {
		var calls []llm.ToolCall
		// Malformed tool_calls JSON is silently dropped for this turn
		// rather than failing the whole load (spec §4.4).
		if err := json.Unmarshal([]byte(toolCalls.String), &calls); err == nil {
			t.ToolCalls = calls
		}
	}
	if toolCallID.Valid {
		t.ToolCallID = toolCallID.String
	}
	if name.Valid {
		t.Name = name.String
	}
	return t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
