package inbox

import (
	"context"
	"testing"

	"github.com/cortexlabs/cortex/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st, err := store.Open("")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func testInput(source, extID string) Input {
	return Input{
		Source:            source,
		ExternalMessageID: extID,
		TopicKey:          "t1",
		UserID:            "u1",
		Text:              "hello",
		OccurredAt:        store.NowMillis(),
		IdempotencyKey:    "k-" + extID,
	}
}

func TestEnqueueNewMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	if res.Duplicate {
		t.Error("expected first enqueue to not be duplicate")
	}
	if res.ID == "" {
		t.Error("expected a generated id")
	}
}

func TestEnqueueDedupSameDedupKey(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatalf("first Enqueue error: %v", err)
	}

	second, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatalf("second Enqueue error: %v", err)
	}
	if !second.Duplicate {
		t.Error("expected second enqueue to be flagged duplicate")
	}
	if second.ID != first.ID {
		t.Errorf("duplicate id = %q, want %q", second.ID, first.ID)
	}
}

func TestEnqueueDifferentSourceNotDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testInput("cli", "m-1")); err != nil {
		t.Fatal(err)
	}
	res, err := q.Enqueue(ctx, testInput("slack", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Duplicate {
		t.Error("different source with same external id should not dedup")
	}
}

func TestClaimNextOldestFirst(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(ctx, testInput("cli", "m-2")); err != nil {
		t.Fatal(err)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed message")
	}
	if claimed.ID != first.ID {
		t.Errorf("claimed id = %q, want %q (oldest first)", claimed.ID, first.ID)
	}
	if claimed.Status != StatusProcessing {
		t.Errorf("status = %q, want processing", claimed.Status)
	}
	if claimed.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", claimed.Attempts)
	}
}

func TestClaimNextSkipsNonPending(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, testInput("cli", "m-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}

	second, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Errorf("expected no claimable row left, got %+v", second)
	}
}

func TestClaimNextEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	claimed, err := q.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("ClaimNext error: %v", err)
	}
	if claimed != nil {
		t.Errorf("expected nil on empty queue, got %+v", claimed)
	}
}

func TestCompleteDone(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	if err := q.Complete(ctx, res.ID, nil); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	claimed, err := q.ClaimNext(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if claimed != nil {
		t.Error("done message should not be reclaimable")
	}
}

func TestCompleteFailed(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	res, err := q.Enqueue(ctx, testInput("cli", "m-1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.ClaimNext(ctx); err != nil {
		t.Fatal(err)
	}
	errMsg := "llm failure"
	if err := q.Complete(ctx, res.ID, &errMsg); err != nil {
		t.Fatalf("Complete error: %v", err)
	}

	var status string
	var gotErr string
	if err := q.store.DB().QueryRow(`SELECT status, error FROM inbox_messages WHERE id=?`, res.ID).Scan(&status, &gotErr); err != nil {
		t.Fatal(err)
	}
	if status != StatusFailed {
		t.Errorf("status = %q, want failed", status)
	}
	if gotErr != errMsg {
		t.Errorf("error = %q, want %q", gotErr, errMsg)
	}
}

func TestCompleteUnknownID(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Complete(context.Background(), "evt_missing", nil); err == nil {
		t.Error("expected error completing unknown id")
	}
}
