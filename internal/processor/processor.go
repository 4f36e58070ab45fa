// Package processor implements the single-consumer processing loop (C12):
// claim -> recall -> prompt -> agent/chat -> persist -> extract -> enqueue,
// grounded on the teacher's internal/tasks.Scheduler start/stop/poll-loop
// shape.
package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortexlabs/cortex/internal/agentloop"
	"github.com/cortexlabs/cortex/internal/extraction"
	"github.com/cortexlabs/cortex/internal/history"
	"github.com/cortexlabs/cortex/internal/inbox"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/memoryclient"
	"github.com/cortexlabs/cortex/internal/observability"
	"github.com/cortexlabs/cortex/internal/outbox"
	"github.com/cortexlabs/cortex/internal/prompt"
	"github.com/cortexlabs/cortex/internal/skills"
)

// LLMClient is the subset of the LLM client the processor depends on.
type LLMClient interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, model, endpoint string, tools []llm.ToolSpec) (*llm.ChatResult, error)
}

// Config parameterizes the processor loop.
type Config struct {
	Source             string
	Model              string
	LLMEndpoint        string
	MemoryEndpoint     string
	ExtractionModel    string
	ExtractionInterval int
	ToolTimeout        time.Duration
	MaxToolRounds      int
	PollBusy           time.Duration
	PollIdle           time.Duration
}

// Processor is the single long-running inbox consumer.
type Processor struct {
	cfg Config

	inbox      *inbox.Queue
	outboxQ    *outbox.Queue
	histStore  *history.Store
	summaries  *extraction.SummaryStore
	cursors    *extraction.CursorStore
	extraction *extraction.Pipeline

	llmClient LLMClient
	memClient *memoryclient.Client
	registry  *skills.Registry

	logger  *observability.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Dependencies bundles everything New needs beyond Config.
type Dependencies struct {
	Inbox          *inbox.Queue
	Outbox         *outbox.Queue
	History        *history.Store
	Cursors        *extraction.CursorStore
	Summaries      *extraction.SummaryStore
	ExtractionPipe *extraction.Pipeline
	LLMClient      LLMClient
	MemoryClient   *memoryclient.Client
	Registry       *skills.Registry
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// New constructs a Processor.
func New(cfg Config, deps Dependencies) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = observability.Nop()
	}
	if cfg.PollBusy <= 0 {
		cfg.PollBusy = 100 * time.Millisecond
	}
	if cfg.PollIdle <= 0 {
		cfg.PollIdle = 2 * time.Second
	}
	return &Processor{
		cfg:        cfg,
		inbox:      deps.Inbox,
		outboxQ:    deps.Outbox,
		histStore:  deps.History,
		cursors:    deps.Cursors,
		summaries:  deps.Summaries,
		extraction: deps.ExtractionPipe,
		llmClient:  deps.LLMClient,
		memClient:  deps.MemoryClient,
		registry:   deps.Registry,
		logger:     logger,
		metrics:    deps.Metrics,
	}
}

// Start runs the processing loop in the background until Stop is called.
func (p *Processor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(ctx)
}

// Stop flips the shared stop flag and waits, up to ctx's deadline, for the
// in-flight message (if any) to finish; it does not await in-flight
// extractions (spec §4.12, §5 graceful stop).
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		// The claimed message runs on a context Stop does not cancel, so a
		// stop lets it finish instead of aborting it mid-flight.
		didWork := p.tick(context.WithoutCancel(ctx))
		if p.metrics != nil {
			p.metrics.ProcessorTickSeconds.Observe(time.Since(start).Seconds())
		}

		wait := p.cfg.PollIdle
		if didWork {
			wait = p.cfg.PollBusy
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// tick claims at most one inbox message and drives it through the full
// recall->prompt->agent/chat->persist->extract->enqueue pipeline. It
// returns true if a message was claimed (regardless of success/failure),
// signalling the caller to poll again at the busy interval.
func (p *Processor) tick(ctx context.Context) bool {
	msg, err := p.inbox.ClaimNext(ctx)
	if err != nil {
		p.logger.Error(ctx, "processor: claim next failed", "error", err)
		return false
	}
	if msg == nil {
		return false
	}

	ctx = observability.WithTopic(ctx, msg.TopicKey)

	if err := p.process(ctx, msg); err != nil {
		errMsg := err.Error()
		if cerr := p.inbox.Complete(ctx, msg.ID, &errMsg); cerr != nil {
			p.logger.Error(ctx, "processor: mark failed errored", "error", cerr)
		}
		if p.metrics != nil {
			p.metrics.InboxFailed.Inc()
		}
		p.logger.Error(ctx, "processor: message failed", "inbox_id", msg.ID, "error", err)
		return true
	}

	if err := p.inbox.Complete(ctx, msg.ID, nil); err != nil {
		p.logger.Error(ctx, "processor: mark done errored", "error", err)
	}
	if p.metrics != nil {
		p.metrics.InboxCompleted.Inc()
	}
	return true
}

func (p *Processor) process(ctx context.Context, msg *inbox.Message) error {
	toolDefs := p.registry.Tools()
	toolNames := make([]string, 0, len(toolDefs))
	toolSpecs := make([]llm.ToolSpec, 0, len(toolDefs))
	for _, t := range toolDefs {
		toolNames = append(toolNames, t.QualifiedName)
		toolSpecs = append(toolSpecs, llm.ToolSpec{
			Name:        t.QualifiedName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}

	var memories []memoryclient.Memory
	var turns []history.Turn
	var topicSummary string

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		memories = p.memClient.RecallDual(ctx, msg.Text, msg.TopicKey, p.cfg.MemoryEndpoint)
	}()
	go func() {
		defer wg.Done()
		loaded, err := p.histStore.LoadRecent(ctx, msg.TopicKey, 8)
		if err != nil {
			p.logger.Warn(ctx, "processor: load history failed", "error", err)
			return
		}
		turns = loaded
	}()
	go func() {
		defer wg.Done()
		s, err := p.summaries.Get(ctx, msg.TopicKey)
		if err != nil {
			p.logger.Warn(ctx, "processor: load summary failed", "error", err)
			return
		}
		if s != nil {
			topicSummary = s.Summary
		}
	}()
	wg.Wait()

	messages := prompt.Build(prompt.Input{
		Memories:     memories,
		TopicSummary: topicSummary,
		Turns:        turns,
		UserText:     msg.Text,
		ToolNames:    toolNames,
	})

	var reply string
	var newTurns []history.NewTurn

	if len(toolSpecs) > 0 {
		outcome, err := agentloop.Run(ctx, p.llmClient, p.registry, messages, toolSpecs, agentloop.Config{
			Model:         p.cfg.Model,
			Endpoint:      p.cfg.LLMEndpoint,
			ToolTimeout:   p.cfg.ToolTimeout,
			MaxToolRounds: p.cfg.MaxToolRounds,
		})
		if err != nil {
			return fmt.Errorf("agent loop: %w", err)
		}
		reply = outcome.Response
		newTurns = outcome.NewTurns
	} else {
		result, err := p.llmClient.Chat(ctx, messages, p.cfg.Model, p.cfg.LLMEndpoint, nil)
		if err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		reply = result.Content
		newTurns = []history.NewTurn{{Role: history.RoleAssistant, Content: result.Content}}
	}

	allTurns := append([]history.NewTurn{{Role: history.RoleUser, Content: msg.Text}}, newTurns...)
	if _, err := p.histStore.SaveAgentHistory(ctx, msg.TopicKey, allTurns); err != nil {
		return fmt.Errorf("save history: %w", err)
	}

	if p.cfg.ExtractionModel != "" {
		if err := p.cursors.Increment(ctx, msg.TopicKey); err != nil {
			p.logger.Warn(ctx, "processor: increment extraction cursor failed", "error", err)
		}
		p.extraction.TryRun(ctx, msg.TopicKey, extraction.Config{
			ExtractionModel:    p.cfg.ExtractionModel,
			ExtractionInterval: p.cfg.ExtractionInterval,
			LLMEndpoint:        p.cfg.LLMEndpoint,
			MemoryEndpoint:     p.cfg.MemoryEndpoint,
		})
	}

	if _, err := p.outboxQ.Enqueue(ctx, msg.Source, msg.TopicKey, reply, nil); err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	if p.metrics != nil {
		p.metrics.OutboxEnqueued.Inc()
	}

	return nil
}
