// Package prompt assembles the deterministic chat-completion message list
// (C9): one system message carrying identity, capability grounding, and
// optional memory/summary blocks, followed by turn history verbatim, then
// the trailing user message.
package prompt

import (
	"fmt"
	"strings"

	"github.com/cortexlabs/cortex/internal/history"
	"github.com/cortexlabs/cortex/internal/llm"
	"github.com/cortexlabs/cortex/internal/memoryclient"
)

// Input gathers everything the builder needs for one prompt assembly.
type Input struct {
	Memories      []memoryclient.Memory
	TopicSummary  string
	Turns         []history.Turn
	UserText      string
	ToolNames     []string
}

const identity = `You are Cortex, a channel-agnostic assistant. Respond helpfully and concisely.`

const memoryInstruction = `Use the memories and conversation summary below as background context. Do not repeat them verbatim unless asked; prefer acting on them.`

const formattingRules = `Keep replies in plain text suitable for the originating channel. Do not invent tool results.`

// Build assembles the full message list in the spec's fixed order: system,
// then turn history verbatim, then the trailing user message.
func Build(in Input) []llm.ChatMessage {
	messages := []llm.ChatMessage{
		{Role: "system", Content: buildSystemMessage(in)},
	}

	for _, t := range in.Turns {
		messages = append(messages, t.ToChatMessage())
	}

	messages = append(messages, llm.ChatMessage{Role: history.RoleUser, Content: in.UserText})
	return messages
}

func buildSystemMessage(in Input) string {
	var b strings.Builder
	b.WriteString(identity)
	b.WriteString("\n\n")

	if len(in.ToolNames) == 0 {
		b.WriteString("You have no tools available in this conversation.")
	} else {
		b.WriteString("You have access to the following tools: ")
		b.WriteString(strings.Join(in.ToolNames, ", "))
		b.WriteString(".")
	}
	b.WriteString("\n\n")
	b.WriteString(memoryInstruction)
	b.WriteString("\n")
	b.WriteString(formattingRules)

	if len(in.Memories) > 0 {
		b.WriteString("\n\nRelevant memories:\n")
		for _, m := range in.Memories {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", m.Category, m.Content))
		}
	}

	if in.TopicSummary != "" {
		b.WriteString("\nConversation summary so far:\n")
		b.WriteString(in.TopicSummary)
	}

	return b.String()
}
