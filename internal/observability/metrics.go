package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors exposed on the gateway's /metrics
// endpoint. All components share one instance, constructed once at startup.
type Metrics struct {
	InboxEnqueued  prometheus.Counter
	InboxDuplicate prometheus.Counter
	InboxCompleted prometheus.Counter
	InboxFailed    prometheus.Counter

	OutboxEnqueued    prometheus.Counter
	OutboxDelivered   prometheus.Counter
	OutboxDeadLettered prometheus.Counter

	// ExtractionBatches is registered and exposed, but nothing in this
	// module increments it; it stays at zero.
	ExtractionBatches prometheus.Counter

	ProcessorTickSeconds prometheus.Histogram
}

// NewMetrics registers and returns a Metrics struct against the given
// registerer. Pass prometheus.DefaultRegisterer in production, or a fresh
// prometheus.NewRegistry() in tests to avoid duplicate-registration panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InboxEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_inbox_enqueued_total",
			Help: "Inbound events accepted into the inbox queue.",
		}),
		InboxDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_inbox_duplicate_total",
			Help: "Inbound events rejected as duplicates of an existing event.",
		}),
		InboxCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_inbox_completed_total",
			Help: "Inbox messages processed to completion (status=done).",
		}),
		InboxFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_inbox_failed_total",
			Help: "Inbox messages that failed processing (status=failed).",
		}),
		OutboxEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_outbox_enqueued_total",
			Help: "Outbound replies enqueued.",
		}),
		OutboxDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_outbox_delivered_total",
			Help: "Outbound replies acknowledged as delivered.",
		}),
		OutboxDeadLettered: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_outbox_dead_lettered_total",
			Help: "Outbound replies moved to the dead-letter state.",
		}),
		ExtractionBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_extraction_batches_total",
			Help: "Extraction batches processed across all topics.",
		}),
		ProcessorTickSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_processor_tick_seconds",
			Help:    "Duration of one processor tick (claim through enqueue/complete).",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
