// Package httpapi implements the HTTP ingress/egress boundary (C13):
// /health, /ingest, /outbox/poll, /outbox/ack, and /metrics, grounded on
// the teacher's internal/gateway.Server mux wiring and internal/auth's
// constant-time bearer-token comparison.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cortexlabs/cortex/internal/inbox"
	"github.com/cortexlabs/cortex/internal/observability"
	"github.com/cortexlabs/cortex/internal/outbox"
)

// Version is reported on /health; set at build time in a real release
// pipeline, left as a constant here since release tooling is out of scope.
const Version = "dev"

// Config parameterizes the boundary's auth and default outbox-poll values.
type Config struct {
	IngestAPIKey     string
	OutboxMaxAttempts int
	PollDefaultBatch int
	LeaseDefault     int
}

// Server serves the HTTP ingress/egress contract.
type Server struct {
	cfg       Config
	inboxQ    *inbox.Queue
	outboxQ   *outbox.Queue
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  prometheus.Gatherer
	startedAt time.Time
}

// New constructs a Server and the *http.ServeMux routing its handlers.
func New(cfg Config, inboxQ *inbox.Queue, outboxQ *outbox.Queue, logger *observability.Logger, metrics *observability.Metrics, registry prometheus.Gatherer) *Server {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Server{
		cfg:       cfg,
		inboxQ:    inboxQ,
		outboxQ:   outboxQ,
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
		startedAt: time.Now(),
	}
}

// Handler builds the routed mux. /health and /metrics are unauthenticated;
// everything else requires a bearer token.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.Handle("/ingest", s.requireAuth(http.HandlerFunc(s.handleIngest)))
	mux.Handle("/outbox/poll", s.requireAuth(http.HandlerFunc(s.handleOutboxPoll)))
	mux.Handle("/outbox/ack", s.requireAuth(http.HandlerFunc(s.handleOutboxAck)))

	return notFoundWrapper(mux)
}

func notFoundWrapper(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := mux.Handler(r)
		if pattern == "" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error(r.Context(), "httpapi: handler panicked", "error", rec)
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			}
		}()

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, prefix) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		token := header[len(prefix):]

		if len(token) != len(s.cfg.IngestAPIKey) ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.IngestAPIKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": Version,
		"uptime":  int(time.Since(s.startedAt).Seconds()),
	})
}

type ingestRequest struct {
	Source            string          `json:"source"`
	ExternalMessageID  string          `json:"externalMessageId"`
	IdempotencyKey     string          `json:"idempotencyKey"`
	TopicKey           string          `json:"topicKey"`
	UserID             string          `json:"userId"`
	Text               string          `json:"text"`
	OccurredAt         string          `json:"occurredAt"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": []string{"body is not valid JSON"}})
		return
	}

	var details []string
	requireNonEmpty := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			details = append(details, field+" is required")
		}
	}
	requireNonEmpty("source", req.Source)
	requireNonEmpty("externalMessageId", req.ExternalMessageID)
	requireNonEmpty("idempotencyKey", req.IdempotencyKey)
	requireNonEmpty("topicKey", req.TopicKey)
	requireNonEmpty("userId", req.UserID)
	requireNonEmpty("text", req.Text)

	occurredAt, err := time.Parse(time.RFC3339, req.OccurredAt)
	if err != nil {
		details = append(details, "occurredAt must be a valid ISO-8601 timestamp")
	}

	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": details})
		return
	}

	result, err := s.inboxQ.Enqueue(r.Context(), inbox.Input{
		Source:            req.Source,
		ExternalMessageID: req.ExternalMessageID,
		TopicKey:          req.TopicKey,
		UserID:            req.UserID,
		Text:              req.Text,
		OccurredAt:        occurredAt.UnixMilli(),
		IdempotencyKey:    req.IdempotencyKey,
		Metadata:          req.Metadata,
	})
	if err != nil {
		s.logger.Error(r.Context(), "httpapi: ingest enqueue failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}

	if result.Duplicate {
		if s.metrics != nil {
			s.metrics.InboxDuplicate.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"eventId": result.ID, "status": "duplicate_ignored"})
		return
	}

	if s.metrics != nil {
		s.metrics.InboxEnqueued.Inc()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"eventId": result.ID, "status": "queued"})
}

type outboxPollRequest struct {
	Source       string `json:"source"`
	TopicKey     string `json:"topicKey"`
	Max          int    `json:"max"`
	LeaseSeconds int    `json:"leaseSeconds"`
}

func (s *Server) handleOutboxPoll(w http.ResponseWriter, r *http.Request) {
	var req outboxPollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": []string{"body is not valid JSON"}})
		return
	}

	var details []string
	if strings.TrimSpace(req.Source) == "" {
		details = append(details, "source is required")
	}
	max := req.Max
	if max == 0 {
		max = s.cfg.PollDefaultBatch
	} else if max < 1 || max > 100 {
		details = append(details, "max must be in [1, 100]")
	}
	leaseSeconds := req.LeaseSeconds
	if leaseSeconds == 0 {
		leaseSeconds = s.cfg.LeaseDefault
	} else if leaseSeconds < 10 || leaseSeconds > 300 {
		details = append(details, "leaseSeconds must be in [10, 300]")
	}

	if len(details) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": details})
		return
	}

	messages, err := s.outboxQ.Poll(r.Context(), req.Source, req.TopicKey, max, leaseSeconds, s.cfg.OutboxMaxAttempts)
	if err != nil {
		s.logger.Error(r.Context(), "httpapi: outbox poll failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}

	out := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		var payload any
		if len(m.Payload) > 0 {
			payload = json.RawMessage(m.Payload)
		}
		out = append(out, map[string]any{
			"messageId":  m.MessageID,
			"leaseToken": m.LeaseToken,
			"topicKey":   m.TopicKey,
			"text":       m.Text,
			"payload":    payload,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type outboxAckRequest struct {
	MessageID  string `json:"messageId"`
	LeaseToken string `json:"leaseToken"`
}

func (s *Server) handleOutboxAck(w http.ResponseWriter, r *http.Request) {
	var req outboxAckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": []string{"body is not valid JSON"}})
		return
	}
	if strings.TrimSpace(req.MessageID) == "" || strings.TrimSpace(req.LeaseToken) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request", "details": []string{"messageId and leaseToken are required"}})
		return
	}

	status, err := s.outboxQ.Ack(r.Context(), req.MessageID, req.LeaseToken)
	if err != nil {
		s.logger.Error(r.Context(), "httpapi: outbox ack failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
		return
	}

	switch status {
	case outbox.AckDelivered, outbox.AckAlreadyDelivered:
		if s.metrics != nil && status == outbox.AckDelivered {
			s.metrics.OutboxDelivered.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": string(status)})
	case outbox.AckNotFound:
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found"})
	case outbox.AckLeaseConflict:
		writeJSON(w, http.StatusConflict, map[string]any{"error": "lease_conflict"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
