// Package memoryclient implements the memory-service client (C8): recall,
// dual-scope recall, and remember, talking to an external HTTP memory
// service over a plain net/http.Client in the shape of the teacher's
// internal/tools/servicenow client.
package memoryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cortexlabs/cortex/internal/observability"
)

// Timeout is the hard 3-second timeout for every memory-service call.
const Timeout = 3 * time.Second

// Memory is one recalled memory record.
type Memory struct {
	ID        string  `json:"id"`
	Content   string  `json:"content"`
	Category  string  `json:"category"`
	Strength  float64 `json:"strength"`
	Relevance float64 `json:"relevance"`
}

// RememberInput describes a fact to persist.
type RememberInput struct {
	Content        string `json:"content"`
	Category       string `json:"category,omitempty"`
	ScopeID        string `json:"scope_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Upsert         bool   `json:"upsert,omitempty"`
}

// RememberResult is the outcome of a successful remember call.
type RememberResult struct {
	ID     string
	Status string
}

// RecallOptions narrows a recall call.
type RecallOptions struct {
	Limit   int
	ScopeID string
}

// Client talks to the external memory service. Every method degrades
// silently on timeout or non-2xx response: recall returns an empty slice,
// remember returns (nil, nil), and the failure is logged rather than
// propagated, per the contract that infrastructure failures never poison
// the inbox.
type Client struct {
	httpClient *http.Client
	logger     *observability.Logger
}

// New constructs a Client. If logger is nil, a no-op logger is used.
func New(logger *observability.Logger) *Client {
	if logger == nil {
		logger = observability.Nop()
	}
	return &Client{
		httpClient: &http.Client{Timeout: Timeout},
		logger:     logger,
	}
}

type recallRequest struct {
	Query   string `json:"query"`
	Limit   int    `json:"limit,omitempty"`
	ScopeID string `json:"scope_id,omitempty"`
}

type recallResponse struct {
	Memories     []Memory `json:"memories"`
	FallbackMode bool     `json:"fallback_mode"`
}

// Recall queries the memory service for memories relevant to query. On any
// failure (timeout, transport error, non-2xx, malformed body) it logs and
// returns an empty slice rather than an error, since recall is best-effort.
func (c *Client) Recall(ctx context.Context, query, endpoint string, opts RecallOptions) []Memory {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	body, err := json.Marshal(recallRequest{Query: query, Limit: opts.Limit, ScopeID: opts.ScopeID})
	if err != nil {
		c.logger.Warn(ctx, "memoryclient: marshal recall request failed", "error", err)
		return nil
	}

	var out recallResponse
	if err := c.postJSON(ctx, endpoint+"/recall", body, &out); err != nil {
		c.logger.Warn(ctx, "memoryclient: recall failed", "error", err)
		return nil
	}
	return out.Memories
}

// RecallDual runs two parallel recalls for query — one scoped to topicKey,
// one global — each limited to 4, unions them keyed by memory id with the
// scoped result winning on conflict, and truncates to 8 (spec §4.8). A
// failing side contributes zero memories rather than failing the call.
func (c *Client) RecallDual(ctx context.Context, query, topicKey, endpoint string) []Memory {
	var scoped, global []Memory
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scoped = c.Recall(ctx, query, endpoint, RecallOptions{Limit: 4, ScopeID: topicKey})
	}()
	go func() {
		defer wg.Done()
		global = c.Recall(ctx, query, endpoint, RecallOptions{Limit: 4})
	}()
	wg.Wait()

	byID := make(map[string]Memory, len(scoped)+len(global))
	var order []string
	for _, m := range global {
		if _, exists := byID[m.ID]; !exists {
			order = append(order, m.ID)
		}
		byID[m.ID] = m
	}
	for _, m := range scoped {
		if _, exists := byID[m.ID]; !exists {
			order = append(order, m.ID)
		}
		byID[m.ID] = m // scoped wins on conflict
	}

	out := make([]Memory, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	if len(out) > 8 {
		out = out[:8]
	}
	return out
}

type rememberResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Remember persists a fact. It may silently no-op (return nil, nil) under
// infrastructure failure rather than erroring, per spec §4.8.
func (c *Client) Remember(ctx context.Context, in RememberInput, endpoint string) (*RememberResult, error) {
	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("memoryclient: marshal remember request: %w", err)
	}

	var out rememberResponse
	if err := c.postJSON(ctx, endpoint+"/remember", body, &out); err != nil {
		c.logger.Warn(ctx, "memoryclient: remember failed", "error", err)
		return nil, nil
	}
	return &RememberResult{ID: out.ID, Status: out.Status}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		return fmt.Errorf("non-2xx status %d: %s", resp.StatusCode, string(snippet))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
