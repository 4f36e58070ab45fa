package extraction

import (
	"strings"
	"testing"

	"github.com/cortexlabs/cortex/internal/history"
)

func TestFilterExtractableDropsToolAndEmptyAssistant(t *testing.T) {
	turns := []TurnRow{
		{RowID: 1, Role: history.RoleUser, Content: "hi"},
		{RowID: 2, Role: history.RoleAssistant, Content: "", HasToolCalls: true},
		{RowID: 3, Role: history.RoleTool, Content: "tool output"},
		{RowID: 4, Role: history.RoleAssistant, Content: "final reply"},
	}

	out := filterExtractable(turns)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2: %+v", len(out), out)
	}
	if out[0].Content != "hi" || out[1].Content != "final reply" {
		t.Errorf("unexpected filtered turns: %+v", out)
	}
}

func TestFilterExtractableKeepsAssistantWithContentAndToolCalls(t *testing.T) {
	turns := []TurnRow{
		{RowID: 1, Role: history.RoleAssistant, Content: "thinking...", HasToolCalls: true},
	}
	out := filterExtractable(turns)
	if len(out) != 1 {
		t.Fatalf("expected assistant turn with content kept, got %+v", out)
	}
}

func TestTrimToCharBudgetAlwaysKeepsFirst(t *testing.T) {
	turns := []TurnRow{
		{Content: strings.Repeat("a", 100)},
		{Content: "b"},
	}
	out := trimToCharBudget(turns, 10)
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (first turn alone exceeds budget)", len(out))
	}
}

func TestTrimToCharBudgetIncludesUntilBudgetExceeded(t *testing.T) {
	turns := []TurnRow{
		{Content: strings.Repeat("a", 5)},
		{Content: strings.Repeat("b", 5)},
		{Content: strings.Repeat("c", 5)},
	}
	out := trimToCharBudget(turns, 12)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2: %+v", len(out), out)
	}
}

func TestParseExtractedItemsDirectJSON(t *testing.T) {
	items, ok := parseExtractedItems(`[{"content":"likes go","category":"preference"}]`)
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if len(items) != 1 || items[0].Content != "likes go" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestParseExtractedItemsEmbeddedInProse(t *testing.T) {
	raw := `Sure thing! Here is the extracted list: [{"content":"prefers dark mode","category":"preference"}] Hope that helps.`
	items, ok := parseExtractedItems(raw)
	if !ok {
		t.Fatal("expected parse to find embedded array")
	}
	if len(items) != 1 || items[0].Category != "preference" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestParseExtractedItemsTriesLastBracketFirst(t *testing.T) {
	raw := `ignore this [not valid json] but use this [{"content":"real one here","category":"fact"}]`
	items, ok := parseExtractedItems(raw)
	if !ok {
		t.Fatal("expected parse to succeed using the last valid array")
	}
	if len(items) != 1 || items[0].Content != "real one here" {
		t.Errorf("unexpected items: %+v", items)
	}
}

func TestParseExtractedItemsNoValidArray(t *testing.T) {
	_, ok := parseExtractedItems("no arrays here at all")
	if ok {
		t.Error("expected parse to fail")
	}
}

func TestCapAndFilterItemsDropsMalformedAndCaps(t *testing.T) {
	var items []extractedItem
	for i := 0; i < 15; i++ {
		items = append(items, extractedItem{Content: "a valid fact content", Category: "fact"})
	}
	items = append(items, extractedItem{Content: "hi", Category: "fact"})               // too short
	items = append(items, extractedItem{Content: "valid length content", Category: "nonsense"}) // bad category

	out := capAndFilterItems(items)
	if len(out) != maxExtractedItems {
		t.Errorf("len(out) = %d, want %d", len(out), maxExtractedItems)
	}
}

func TestIdempotencyKeyStableAndDistinct(t *testing.T) {
	k1 := idempotencyKey("topic-a", "likes go", "preference")
	k2 := idempotencyKey("topic-a", "likes go", "preference")
	k3 := idempotencyKey("topic-a", "likes rust", "preference")

	if k1 != k2 {
		t.Error("expected identical inputs to produce the same idempotency key")
	}
	if k1 == k3 {
		t.Error("expected different content to produce a different idempotency key")
	}
	if !strings.HasPrefix(k1, "cortex:extract:") {
		t.Errorf("key %q missing prefix", k1)
	}
}

func TestBracketBalancedArraysFindsAllTopLevel(t *testing.T) {
	raw := `[1,2] text [{"a":[1,2]}]`
	got := bracketBalancedArrays(raw)
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %v", len(got), got)
	}
	if got[0] != "[1,2]" {
		t.Errorf("got[0] = %q", got[0])
	}
	if got[1] != `[{"a":[1,2]}]` {
		t.Errorf("got[1] = %q", got[1])
	}
}
