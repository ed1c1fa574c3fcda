package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawloop/pkg/llm"
)

const defaultSystemPrompt = "You are a helpful assistant. Use the available tools when they help answer the user."

// DefaultContextBuilder produces one system message followed by the stored
// history and the current user message.
type DefaultContextBuilder struct {
	SystemPrompt string
	Now          func() time.Time
}

// BuildMessages implements ContextBuilder.
func (b *DefaultContextBuilder) BuildMessages(history []llm.Message, summary, current, channel, chatID string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: b.systemPrompt(summary, channel, chatID)})
	messages = append(messages, llm.CloneMessages(history)...)
	if current != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: current})
	}
	return messages
}

func (b *DefaultContextBuilder) systemPrompt(summary, channel, chatID string) string {
	now := time.Now
	if b.Now != nil {
		now = b.Now
	}

	var sb strings.Builder
	prompt := strings.TrimSpace(b.SystemPrompt)
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	sb.WriteString(prompt)

	sb.WriteString("\n\n## Current Time\n")
	sb.WriteString(now().Format("2006-01-02 15:04 (Monday) MST"))

	if channel != "" {
		sb.WriteString("\n\n## Current Session\n")
		fmt.Fprintf(&sb, "Channel: %s\n", channel)
		fmt.Fprintf(&sb, "Chat ID: %s", chatID)
	}

	if summary != "" {
		sb.WriteString("\n\n## Summary of previous conversation\n\n")
		sb.WriteString(summary)
	}
	return sb.String()
}
