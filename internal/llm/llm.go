// Package llm implements the non-streaming chat-completion client (C7):
// a thin wrapper around github.com/sashabaranov/go-openai pointed at a
// configurable OpenAI-compatible proxy endpoint, with a typed error
// taxonomy the way the teacher's internal/agent/providers package
// classifies provider failures.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ChatMessage is one message in a chat-completion conversation, carrying
// tool-call fidelity (tool_calls / tool_call_id / name) the way turns are
// persisted and replayed per spec §3 Turn / §4.9 Prompt Builder.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall mirrors the OpenAI-compatible tool-call shape returned by the
// proxy: {id, type, function{name, arguments}}.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall is the function-call payload within a ToolCall. Arguments is
// an opaque JSON-encoded string per spec §9 "JSON-in-strings for tool
// arguments" — the agent loop validates it parses as JSON; skills decide
// their own schema enforcement.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ChatResult is the parsed outcome of a successful chat call.
type ChatResult struct {
	Content      string
	FinishReason string
	ToolCalls    []ToolCall
}

// Reason categorizes why a chat call failed.
type Reason string

const (
	ReasonConnection     Reason = "connection"
	ReasonTimeout        Reason = "timeout"
	ReasonHTTPStatus     Reason = "http_status"
	ReasonInvalidJSON    Reason = "invalid_json"
	ReasonEmptyChoices   Reason = "empty_choices"
	ReasonMissingContent Reason = "missing_content"
)

// Error is a typed error from a chat call, carrying enough context for
// callers (the processor) to log and classify without string matching.
type Error struct {
	Reason  Reason
	Status  int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llm: [%s] status=%d %s", e.Reason, e.Status, e.Message)
	}
	return fmt.Sprintf("llm: [%s] %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Client calls a non-streaming OpenAI-compatible chat-completions endpoint.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a Client with the spec's 30-second hard timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 30 * time.Second}}
}

// Chat sends messages to model at endpoint (an OpenAI-compatible base URL,
// e.g. the configured synapse_url), optionally offering tools, and returns
// the parsed choice or a typed Error.
func (c *Client) Chat(ctx context.Context, messages []ChatMessage, model, endpoint string, tools []ToolSpec) (*ChatResult, error) {
	cfg := openai.DefaultConfig("cortex")
	cfg.BaseURL = strings.TrimRight(endpoint, "/") + "/v1"
	cfg.HTTPClient = c.httpClient
	client := openai.NewClientWithConfig(cfg)

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
		Stream:   false,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
	}

	resp, err := client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, classifyError(err)
	}

	if len(resp.Choices) == 0 {
		return nil, &Error{Reason: ReasonEmptyChoices, Message: "response contained no choices"}
	}

	choice := resp.Choices[0].Message
	if len(choice.ToolCalls) > 0 {
		return &ChatResult{
			Content:      choice.Content,
			FinishReason: string(resp.Choices[0].FinishReason),
			ToolCalls:    fromOpenAIToolCalls(choice.ToolCalls),
		}, nil
	}

	if choice.Content == "" {
		return nil, &Error{Reason: ReasonMissingContent, Message: "response had no content and no tool calls"}
	}

	return &ChatResult{
		Content:      choice.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
	}, nil
}

func classifyError(err error) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Reason: ReasonTimeout, Message: err.Error(), Cause: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if len(body) > 500 {
			body = body[:500]
		}
		return &Error{Reason: ReasonHTTPStatus, Status: apiErr.HTTPStatusCode, Message: body, Cause: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &Error{Reason: ReasonConnection, Status: reqErr.HTTPStatusCode, Message: err.Error(), Cause: err}
	}

	if strings.Contains(err.Error(), "invalid character") || strings.Contains(err.Error(), "json") {
		return &Error{Reason: ReasonInvalidJSON, Message: err.Error(), Cause: err}
	}

	return &Error{Reason: ReasonConnection, Message: err.Error(), Cause: err}
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolType(tc.Type),
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var params any
		if len(t.InputSchema) > 0 {
			_ = json.Unmarshal(t.InputSchema, &params)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{
			ID:   c.ID,
			Type: string(c.Type),
			Function: FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		})
	}
	return out
}
