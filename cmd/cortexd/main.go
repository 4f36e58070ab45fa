// Command cortexd runs the Cortex assistant runtime: the HTTP
// ingress/egress boundary and the single-consumer processing loop, wired
// together against one embedded SQLite store. Signal handling and
// shutdown sequencing follow the teacher's cmd/nexus serve handler.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cortexlabs/cortex/internal/config"
	"github.com/cortexlabs/cortex/internal/extraction"
	"github.com/cortexlabs/cortex/internal/history"
	"github.com/cortexlabs/cortex/internal/httpapi"
	"github.com/cortexlabs/cortex/internal/inbox"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/memoryclient"
	"github.com/cortexlabs/cortex/internal/observability"
	"github.com/cortexlabs/cortex/internal/outbox"
	"github.com/cortexlabs/cortex/internal/processor"
	"github.com/cortexlabs/cortex/internal/skills"
	"github.com/cortexlabs/cortex/internal/skills/builtin"
	"github.com/cortexlabs/cortex/internal/store"
)

// reclaimStaleProcessingAfter bounds how long an inbox row may sit in
// "processing" before startup treats it as abandoned by a crashed prior
// run and reclaims it to "pending" (spec §9 Open Question).
const reclaimStaleProcessingAfter = 10 * time.Minute

func main() {
	configPath := os.Getenv("CORTEX_CONFIG")
	if configPath == "" {
		configPath = "cortex.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cortexd: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "cortexd: invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.New(observability.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		logger.Error(context.Background(), "cortexd: open store failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reclaimed, err := st.ReclaimStaleProcessing(ctx, reclaimStaleProcessingAfter)
	if err != nil {
		logger.Error(ctx, "cortexd: reclaim stale processing failed", "error", err)
	} else if reclaimed > 0 {
		logger.Info(ctx, "cortexd: reclaimed stale processing rows", "count", reclaimed)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	inboxQ := inbox.New(st)
	outboxQ := outbox.New(st)
	outboxQ.SetDeadLetterCounter(metrics.OutboxDeadLettered)
	histStore := history.New(st)
	cursors := extraction.NewCursorStore(st)
	summaries := extraction.NewSummaryStore(st)

	llmClient := llm.NewClient()
	memClient := memoryclient.New(logger)
	extractionPipe := extraction.NewPipeline(st, llmClient, memClient, logger)

	skillRegistry, err := skills.New([]skills.Definition{
		{ID: "math", APIVersion: "1", Module: builtin.Math{}},
		{ID: "datetime", APIVersion: "1", Module: builtin.Datetime{}},
	})
	if err != nil {
		logger.Error(ctx, "cortexd: build skill registry failed", "error", err)
		os.Exit(1)
	}

	proc := processor.New(processor.Config{
		Source:             "cortex",
		Model:              cfg.LLM.Model,
		LLMEndpoint:        cfg.LLM.SynapseURL,
		MemoryEndpoint:     cfg.Memory.EngramURL,
		ExtractionModel:    cfg.LLM.ExtractionModel,
		ExtractionInterval: cfg.Extraction.Interval,
		ToolTimeout:        cfg.ToolTimeout(),
		MaxToolRounds:      cfg.Agent.MaxToolRounds,
		PollBusy:           time.Duration(cfg.Processor.PollBusyMS) * time.Millisecond,
		PollIdle:           time.Duration(cfg.Processor.PollIdleMS) * time.Millisecond,
	}, processor.Dependencies{
		Inbox:          inboxQ,
		Outbox:         outboxQ,
		History:        histStore,
		Cursors:        cursors,
		Summaries:      summaries,
		ExtractionPipe: extractionPipe,
		LLMClient:      llmClient,
		MemoryClient:   memClient,
		Registry:       skillRegistry,
		Logger:         logger,
		Metrics:        metrics,
	})
	proc.Start(ctx)

	httpServer := httpapi.New(httpapi.Config{
		IngestAPIKey:      cfg.Server.IngestAPIKey,
		OutboxMaxAttempts: cfg.Outbox.MaxAttempts,
		PollDefaultBatch:  cfg.Outbox.PollDefaultBatch,
		LeaseDefault:      cfg.Outbox.LeaseSeconds,
	}, inboxQ, outboxQ, logger, metrics, registry)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: httpServer.Handler()}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "cortexd: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(ctx, "cortexd: shutdown signal received")
	case err := <-errCh:
		logger.Error(ctx, "cortexd: http server failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "cortexd: http shutdown failed", "error", err)
	}
	if err := proc.Stop(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "cortexd: processor shutdown failed", "error", err)
	}
}
