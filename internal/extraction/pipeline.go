package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"

	"github.com/cortexlabs/cortex/internal/history"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/memoryclient"
	"github.com/cortexlabs/cortex/internal/observability"
	"github.com/cortexlabs/cortex/internal/store"
)

const (
	batchLimit       = 100
	charBudget       = 50_000
	maxRecallForPrompt = 10
	maxExtractedItems = 10
)

var validCategories = map[string]bool{
	"fact":       true,
	"preference": true,
	"decision":   true,
}

// Config parameterizes one extraction run for a topic.
type Config struct {
	ExtractionModel    string
	ExtractionInterval int
	LLMEndpoint        string
	MemoryEndpoint     string
}

// LLMClient is the subset of the LLM client the pipeline depends on.
type LLMClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, model, endpoint string, tools []llm.ToolSpec) (*llm.ChatResult, error)
}

// Pipeline runs the fire-and-forget extraction/summarization algorithm
// (C11), guarded so at most one run is in flight per topic at a time.
type Pipeline struct {
	store     *store.Store
	cursors   *CursorStore
	summaries *SummaryStore
	llm       LLMClient
	memory    *memoryclient.Client
	logger    *observability.Logger

	inFlight sync.Map // topic_key -> struct{}
}

// NewPipeline constructs a Pipeline. If logger is nil, a no-op logger is
// used.
func NewPipeline(st *store.Store, llmClient LLMClient, memClient *memoryclient.Client, logger *observability.Logger) *Pipeline {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Pipeline{
		store:     st,
		cursors:   NewCursorStore(st),
		summaries: NewSummaryStore(st),
		llm:       llmClient,
		memory:    memClient,
		logger:    logger,
	}
}

// TryRun attempts to start an extraction run for topic in the background.
// If a run is already in flight for that topic, it is silently skipped;
// the caller is still responsible for incrementing the cursor's turn
// counter regardless of whether a run was started (spec §4.11).
func (p *Pipeline) TryRun(ctx context.Context, topic string, cfg Config) {
	if _, loaded := p.inFlight.LoadOrStore(topic, struct{}{}); loaded {
		return
	}
	go func() {
		defer p.inFlight.Delete(topic)
		// Detached from the caller's request context: extraction is
		// fire-and-forget and must outlive the HTTP/processor tick that
		// triggered it.
		runCtx := context.WithoutCancel(ctx)
		p.run(runCtx, topic, cfg)
	}()
}

func (p *Pipeline) run(ctx context.Context, topic string, cfg Config) {
	cursor, err := p.cursors.Get(ctx, topic)
	if err != nil {
		p.logger.Warn(ctx, "extraction: read cursor failed", "error", err)
		return
	}
	if cursor == nil || cursor.TurnsSinceExtraction < cfg.ExtractionInterval {
		return
	}

	producedAny := false
	lastExtractedRowID := cursor.LastExtractedRowID

	for {
		rawBatch, err := LoadTurnsSince(ctx, p.store, topic, lastExtractedRowID, batchLimit)
		if err != nil {
			p.logger.Warn(ctx, "extraction: load turns failed", "error", err)
			return
		}
		if len(rawBatch) == 0 {
			if err := p.cursors.Advance(ctx, topic, lastExtractedRowID); err != nil {
				p.logger.Warn(ctx, "extraction: advance cursor failed", "error", err)
			}
			break
		}

		filtered := filterExtractable(rawBatch)
		batchLastRowID := rawBatch[len(rawBatch)-1].RowID

		if len(filtered) == 0 {
			if err := p.cursors.Advance(ctx, topic, batchLastRowID); err != nil {
				p.logger.Warn(ctx, "extraction: advance cursor failed", "error", err)
			}
			break
		}

		trimmed := trimToCharBudget(filtered, charBudget)

		existing := p.memory.Recall(ctx, topic, cfg.MemoryEndpoint, memoryclient.RecallOptions{Limit: maxRecallForPrompt, ScopeID: topic})

		resp, err := p.llm.Chat(ctx, buildExtractionMessages(trimmed, existing), cfg.ExtractionModel, cfg.LLMEndpoint, nil)
		if err != nil {
			p.logger.Warn(ctx, "extraction: llm call failed", "error", err)
			break
		}

		items, ok := parseExtractedItems(resp.Content)
		if !ok {
			p.logger.Warn(ctx, "extraction: could not parse extraction response as a JSON array")
			break
		}

		items = capAndFilterItems(items)
		for _, item := range items {
			key := idempotencyKey(topic, item.Content, item.Category)
			_, err := p.memory.Remember(ctx, memoryclient.RememberInput{
				Content:        item.Content,
				Category:       item.Category,
				ScopeID:        topic,
				IdempotencyKey: key,
				Upsert:         true,
			}, cfg.MemoryEndpoint)
			if err != nil {
				p.logger.Warn(ctx, "extraction: remember failed", "error", err)
			}
		}
		if len(items) > 0 {
			producedAny = true
		}

		if err := p.cursors.Advance(ctx, topic, batchLastRowID); err != nil {
			p.logger.Warn(ctx, "extraction: advance cursor failed", "error", err)
		}
		lastExtractedRowID = batchLastRowID

		if len(rawBatch) < batchLimit {
			break
		}
	}

	if producedAny {
		p.summarize(ctx, topic, cfg)
	}
}

func (p *Pipeline) summarize(ctx context.Context, topic string, cfg Config) {
	previous, err := p.summaries.Get(ctx, topic)
	if err != nil {
		p.logger.Warn(ctx, "extraction: read summary failed", "error", err)
		return
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: buildSummarizationPrompt(previous)},
	}
	resp, err := p.llm.Chat(ctx, messages, cfg.ExtractionModel, cfg.LLMEndpoint, nil)
	if err != nil {
		p.logger.Warn(ctx, "extraction: summarization llm call failed", "error", err)
		return
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return
	}

	if err := p.summaries.Upsert(ctx, topic, summary); err != nil {
		p.logger.Warn(ctx, "extraction: upsert local summary failed", "error", err)
	}

	_, err = p.memory.Remember(ctx, memoryclient.RememberInput{
		Content:        summary,
		Category:       "summary",
		ScopeID:        topic,
		IdempotencyKey: "topic-summary:" + topic,
		Upsert:         true,
	}, cfg.MemoryEndpoint)
	if err != nil {
		p.logger.Warn(ctx, "extraction: remember summary failed", "error", err)
	}
}

func buildSummarizationPrompt(previous *TopicSummary) string {
	var b strings.Builder
	b.WriteString("Please summarize what this conversation has covered so far, in a few sentences.")
	if previous != nil && previous.Summary != "" {
		b.WriteString("\n\nPrevious summary:\n")
		b.WriteString(previous.Summary)
	}
	return b.String()
}

// filterExtractable drops tool-result turns and empty-content assistant
// turns carrying tool calls from the prompt view, per spec §4.11(b). The
// rows still count toward cursor advancement via the caller's raw batch.
func filterExtractable(turns []TurnRow) []TurnRow {
	out := make([]TurnRow, 0, len(turns))
	for _, t := range turns {
		if t.Role == history.RoleTool {
			continue
		}
		if t.Role == history.RoleAssistant && t.HasToolCalls && t.Content == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// trimToCharBudget keeps turns from the start of the filtered list while
// their cumulative content length stays within budget, always including
// at least the first turn even if it alone exceeds the budget.
func trimToCharBudget(turns []TurnRow, budget int) []TurnRow {
	if len(turns) == 0 {
		return turns
	}
	out := []TurnRow{turns[0]}
	total := len(turns[0].Content)
	for _, t := range turns[1:] {
		if total+len(t.Content) > budget {
			break
		}
		out = append(out, t)
		total += len(t.Content)
	}
	return out
}

func buildExtractionMessages(turns []TurnRow, existing []memoryclient.Memory) []llm.ChatMessage {
	var sys strings.Builder
	sys.WriteString("Extract durable facts, preferences, and decisions from the conversation below. ")
	sys.WriteString(`Respond with a JSON array of objects shaped {"content": string, "category": "fact"|"preference"|"decision"}. `)
	sys.WriteString("Only include information not already known. Respond with the JSON array and nothing else.")
	if len(existing) > 0 {
		sys.WriteString("\n\nDo not repeat any of the following already-known memories:\n")
		for _, m := range existing {
			sys.WriteString("- ")
			sys.WriteString(m.Content)
			sys.WriteString("\n")
		}
	}

	var convo strings.Builder
	for _, t := range turns {
		convo.WriteString(t.Role)
		convo.WriteString(": ")
		convo.WriteString(t.Content)
		convo.WriteString("\n")
	}

	return []llm.ChatMessage{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: convo.String()},
	}
}

type extractedItem struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// parseExtractedItems implements spec §4.11(g)'s robust parsing: first try
// a direct JSON parse of the whole response, then scan for bracket-balanced
// "[...]" substrings and try each from last to first.
func parseExtractedItems(raw string) ([]extractedItem, bool) {
	var items []extractedItem
	if err := json.Unmarshal([]byte(raw), &items); err == nil {
		return items, true
	}

	candidates := bracketBalancedArrays(raw)
	for i := len(candidates) - 1; i >= 0; i-- {
		var parsed []extractedItem
		if err := json.Unmarshal([]byte(candidates[i]), &parsed); err == nil {
			return parsed, true
		}
	}
	return nil, false
}

// bracketBalancedArrays finds every top-level '['...']' substring of s via
// a depth counter, returning them in the order they appear.
func bracketBalancedArrays(s string) []string {
	var out []string
	depth := 0
	start := -1
	for i, r := range s {
		switch r {
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case ']':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return out
}

func capAndFilterItems(items []extractedItem) []extractedItem {
	var out []extractedItem
	for _, it := range items {
		if len(out) >= maxExtractedItems {
			break
		}
		if len(it.Content) < 5 || !validCategories[it.Category] {
			continue
		}
		out = append(out, it)
	}
	return out
}

func idempotencyKey(topic, content, category string) string {
	h := sha256.Sum256([]byte(topic + "\x00" + content + "\x00" + category))
	return "cortex:extract:" + hex.EncodeToString(h[:])[:16]
}
