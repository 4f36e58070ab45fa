// Package agentloop implements the bounded-round tool-calling loop (C10)
// over the LLM client (C7) and the skill registry (C6), grounded on the
// teacher's internal/agent.ToolExecutor concurrent-dispatch-with-timeout
// pattern.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cortexlabs/cortex/internal/history"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/pkg/skillsdk"
)

const fallbackMessage = "I was unable to complete the task within the allowed number of tool calls."

// Registry is the subset of the skill registry the agent loop depends on.
type Registry interface {
	Execute(ctx context.Context, qualifiedName string, argumentsJSON string) (skillsdk.Result, error)
}

// Config parameterizes one Run call.
type Config struct {
	Model         string
	Endpoint      string
	ToolTimeout   time.Duration
	MaxToolRounds int
}

// Outcome is the result of a completed agent loop.
type Outcome struct {
	Response string
	NewTurns []history.NewTurn
}

// Client is the subset of the LLM client the agent loop depends on.
type Client interface {
	Chat(ctx context.Context, messages []llm.ChatMessage, model, endpoint string, tools []llm.ToolSpec) (*llm.ChatResult, error)
}

// Run executes the bounded tool-calling loop described in spec §4.10:
// call the LLM, and if it returns tool calls, execute them all in
// parallel under a per-tool timeout, feed the results back, and repeat
// until the model stops calling tools or MaxToolRounds is reached.
func Run(ctx context.Context, client Client, registry Registry, messages []llm.ChatMessage, tools []llm.ToolSpec, cfg Config) (*Outcome, error) {
	maxRounds := cfg.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 1
	}
	toolTimeout := cfg.ToolTimeout
	if toolTimeout <= 0 {
		toolTimeout = 20 * time.Second
	}

	var newTurns []history.NewTurn
	lastContent := ""

	for round := 0; round < maxRounds; round++ {
		result, err := client.Chat(ctx, messages, cfg.Model, cfg.Endpoint, tools)
		if err != nil {
			return nil, err
		}

		if len(result.ToolCalls) == 0 {
			newTurns = append(newTurns, history.NewTurn{Role: history.RoleAssistant, Content: result.Content})
			return &Outcome{Response: result.Content, NewTurns: newTurns}, nil
		}

		lastContent = result.Content
		assistantTurn := history.NewTurn{
			Role:      history.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		}
		messages = append(messages, newTurnToChatMessage(assistantTurn))
		newTurns = append(newTurns, assistantTurn)

		toolResults := executeToolCalls(ctx, registry, result.ToolCalls, toolTimeout)
		for _, tr := range toolResults {
			messages = append(messages, newTurnToChatMessage(tr))
			newTurns = append(newTurns, tr)
		}
	}

	fallback := fallbackMessage
	if lastContent != "" {
		fallback = lastContent
	}
	newTurns = append(newTurns, history.NewTurn{Role: history.RoleAssistant, Content: fallback})
	return &Outcome{Response: fallback, NewTurns: newTurns}, nil
}

// executeToolCalls runs every call in parallel and returns results in the
// same order as calls, regardless of completion order.
func executeToolCalls(ctx context.Context, registry Registry, calls []llm.ToolCall, timeout time.Duration) []history.NewTurn {
	results := make([]history.NewTurn, len(calls))
	var wg sync.WaitGroup

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc llm.ToolCall) {
			defer wg.Done()
			results[idx] = executeOne(ctx, registry, tc, timeout)
		}(i, call)
	}
	wg.Wait()
	return results
}

func executeOne(ctx context.Context, registry Registry, call llm.ToolCall, timeout time.Duration) history.NewTurn {
	name := call.Function.Name

	if !json.Valid([]byte(call.Function.Arguments)) {
		return history.NewTurn{
			Role:       history.RoleTool,
			Content:    fmt.Sprintf("Error: Invalid JSON in tool arguments: %s", call.Function.Arguments),
			ToolCallID: call.ID,
			Name:       name,
		}
	}

	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type execOutcome struct {
		result skillsdk.Result
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		res, err := registry.Execute(toolCtx, name, call.Function.Arguments)
		done <- execOutcome{result: res, err: err}
	}()

	select {
	case <-toolCtx.Done():
		return history.NewTurn{
			Role:       history.RoleTool,
			Content:    fmt.Sprintf("Error: Tool execution timed out after %ds", int(timeout.Seconds())),
			ToolCallID: call.ID,
			Name:       name,
		}
	case outcome := <-done:
		if outcome.err != nil {
			return history.NewTurn{
				Role:       history.RoleTool,
				Content:    fmt.Sprintf("Error: %s", outcome.err.Error()),
				ToolCallID: call.ID,
				Name:       name,
			}
		}
		return history.NewTurn{
			Role:       history.RoleTool,
			Content:    outcome.result.Content,
			ToolCallID: call.ID,
			Name:       name,
		}
	}
}

func newTurnToChatMessage(t history.NewTurn) llm.ChatMessage {
	return llm.ChatMessage{
		Role:       t.Role,
		Content:    t.Content,
		ToolCalls:  t.ToolCalls,
		ToolCallID: t.ToolCallID,
		Name:       t.Name,
	}
}
