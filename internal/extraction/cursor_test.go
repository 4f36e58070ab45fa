package extraction

import (
	"context"
	"testing"

	"github.com/cortexlabs/cortex/internal/store"
)

func newTestStoreForCursor(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCursorGetMissingReturnsNil(t *testing.T) {
	st := newTestStoreForCursor(t)
	c := NewCursorStore(st)

	cur, err := c.Get(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur != nil {
		t.Errorf("expected nil cursor, got %+v", cur)
	}
}

func TestCursorIncrementCreatesLazily(t *testing.T) {
	st := newTestStoreForCursor(t)
	c := NewCursorStore(st)
	ctx := context.Background()

	if err := c.Increment(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	cur, err := c.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur == nil {
		t.Fatal("expected cursor created")
	}
	if cur.LastExtractedRowID != 0 || cur.TurnsSinceExtraction != 1 {
		t.Errorf("got %+v, want rowid=0 turns=1", cur)
	}

	if err := c.Increment(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	cur, err = c.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.TurnsSinceExtraction != 2 {
		t.Errorf("turns_since_extraction = %d, want 2", cur.TurnsSinceExtraction)
	}
}

func TestCursorAdvanceResetsCounter(t *testing.T) {
	st := newTestStoreForCursor(t)
	c := NewCursorStore(st)
	ctx := context.Background()

	c.Increment(ctx, "t1")
	c.Increment(ctx, "t1")
	if err := c.Advance(ctx, "t1", 42); err != nil {
		t.Fatal(err)
	}

	cur, err := c.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.LastExtractedRowID != 42 {
		t.Errorf("last_extracted_rowid = %d, want 42", cur.LastExtractedRowID)
	}
	if cur.TurnsSinceExtraction != 0 {
		t.Errorf("turns_since_extraction = %d, want 0", cur.TurnsSinceExtraction)
	}
}

func TestCursorAdvanceMaxGuard(t *testing.T) {
	st := newTestStoreForCursor(t)
	c := NewCursorStore(st)
	ctx := context.Background()

	if err := c.Advance(ctx, "t1", 100); err != nil {
		t.Fatal(err)
	}
	// Calling Advance with a smaller rowid must never move the cursor backward.
	if err := c.Advance(ctx, "t1", 10); err != nil {
		t.Fatal(err)
	}

	cur, err := c.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if cur.LastExtractedRowID != 100 {
		t.Errorf("last_extracted_rowid = %d, want 100 (MAX guard)", cur.LastExtractedRowID)
	}
}

func TestSummaryStoreUpsert(t *testing.T) {
	st := newTestStoreForCursor(t)
	s := NewSummaryStore(st)
	ctx := context.Background()

	if got, err := s.Get(ctx, "t1"); err != nil || got != nil {
		t.Fatalf("expected no summary yet, got %+v err=%v", got, err)
	}

	if err := s.Upsert(ctx, "t1", "first summary"); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, "t1", "second summary"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Summary != "second summary" {
		t.Errorf("got %+v, want summary=%q", got, "second summary")
	}
}

func TestLoadTurnsSinceOrderingAndLimit(t *testing.T) {
	st := newTestStoreForCursor(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := st.DB().ExecContext(ctx, `
			INSERT INTO turns (id, topic_key, role, content, created_at) VALUES (?, 't1', 'user', ?, 0)
		`, "turn_"+string(rune('a'+i)), "msg"); err != nil {
			t.Fatal(err)
		}
	}

	rows, err := LoadTurnsSince(ctx, st, "t1", 0, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].RowID <= rows[i-1].RowID {
			t.Errorf("rows not ascending by rowid: %+v", rows)
		}
	}
}
