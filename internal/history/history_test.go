package history

import (
	"context"
	"testing"

	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestSaveTurnAssignsIncreasingRowID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleUser, Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleAssistant, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if b.RowID <= a.RowID {
		t.Errorf("rowid not strictly increasing: a=%d b=%d", a.RowID, b.RowID)
	}
}

func TestSaveTurnPreservesToolCallFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := []llm.ToolCall{{ID: "call_1", Type: "function", Function: llm.FunctionCall{Name: "math.add", Arguments: `{"a":1,"b":2}`}}}
	saved, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleAssistant, ToolCalls: calls})
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.ToolCalls) != 1 || saved.ToolCalls[0].Function.Name != "math.add" {
		t.Errorf("tool calls not preserved: %+v", saved.ToolCalls)
	}

	recent, err := s.LoadRecent(ctx, "t1", 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || len(recent[0].ToolCalls) != 1 {
		t.Fatalf("expected tool_calls to round-trip through load: %+v", recent)
	}
}

func TestSaveAgentHistoryAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	turns := []NewTurn{
		{Role: RoleUser, Content: "what's 10+20?"},
		{Role: RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "math.add", Arguments: `{"a":10,"b":20}`}}}},
		{Role: RoleTool, Content: "30", ToolCallID: "c1", Name: "math.add"},
		{Role: RoleAssistant, Content: "10+20=30"},
	}
	saved, err := s.SaveAgentHistory(ctx, "t1", turns)
	if err != nil {
		t.Fatalf("SaveAgentHistory error: %v", err)
	}
	if len(saved) != 4 {
		t.Fatalf("len(saved) = %d, want 4", len(saved))
	}

	recent, err := s.LoadRecent(ctx, "t1", 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 4 {
		t.Fatalf("len(recent) = %d, want 4", len(recent))
	}
}

func TestLoadRecentGroupsByUserMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Three user-message groups, the first with a tool round.
	if _, err := s.SaveAgentHistory(ctx, "t1", []NewTurn{
		{Role: RoleUser, Content: "g1 user"},
		{Role: RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Function: llm.FunctionCall{Name: "x.y", Arguments: "{}"}}}},
		{Role: RoleTool, Content: "tool result", ToolCallID: "c1", Name: "x.y"},
		{Role: RoleAssistant, Content: "g1 reply"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleUser, Content: "g2 user"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleAssistant, Content: "g2 reply"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleUser, Content: "g3 user"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleAssistant, Content: "g3 reply"}); err != nil {
		t.Fatal(err)
	}

	recent, err := s.LoadRecent(ctx, "t1", 2)
	if err != nil {
		t.Fatal(err)
	}
	// Groups 2 and 3 only: "g2 user","g2 reply","g3 user","g3 reply".
	if len(recent) != 4 {
		t.Fatalf("len(recent) = %d, want 4: %+v", len(recent), recent)
	}
	if recent[0].Content != "g2 user" {
		t.Errorf("recent[0].Content = %q, want %q", recent[0].Content, "g2 user")
	}
	if recent[len(recent)-1].Content != "g3 reply" {
		t.Errorf("last content = %q, want %q", recent[len(recent)-1].Content, "g3 reply")
	}
}

func TestLoadRecentMalformedToolCallsDropped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.SaveTurn(ctx, "t1", NewTurn{Role: RoleUser, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.db.DB().Exec(`
		INSERT INTO turns (id, topic_key, role, content, tool_calls, created_at)
		VALUES ('turn_bad', 't1', 'assistant', '', 'not-json', 0)
	`); err != nil {
		t.Fatal(err)
	}

	recent, err := s.LoadRecent(ctx, "t1", 8)
	if err != nil {
		t.Fatalf("LoadRecent error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[1].ToolCalls != nil {
		t.Errorf("expected malformed tool_calls dropped, got %+v", recent[1].ToolCalls)
	}
}

func TestLoadRecentEmptyTopic(t *testing.T) {
	s := newTestStore(t)
	recent, err := s.LoadRecent(context.Background(), "nonexistent", 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 0 {
		t.Errorf("expected empty history, got %d", len(recent))
	}
}
