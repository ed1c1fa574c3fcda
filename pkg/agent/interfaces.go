package agent

import (
	"context"

	"github.com/harun/clawloop/pkg/llm"
	"github.com/harun/clawloop/pkg/toolexecutor"
)

// SessionStore keeps per-session transcripts and running summaries. Writes
// to one key are serialized by the implementation.
type SessionStore interface {
	GetHistory(ctx context.Context, key string) ([]llm.Message, error)
	GetSummary(ctx context.Context, key string) (string, error)
	AddMessage(ctx context.Context, key, role, content string) error
	AddFullMessage(ctx context.Context, key string, msg llm.Message) error
	SetHistory(ctx context.Context, key string, history []llm.Message) error
	SetSummary(ctx context.Context, key, summary string) error
	Save(ctx context.Context, key string) error
}

// ToolExecutor exposes the tool catalog and runs calls. Failures come back
// as error results, never as Go errors.
type ToolExecutor interface {
	GetDefinitions() []llm.ToolDefinition
	Execute(ctx context.Context, name string, args map[string]any, channel, chatID string) *toolexecutor.ToolResult
}

// ContextBuilder assembles the provider request from stored state and the
// current user message.
type ContextBuilder interface {
	BuildMessages(history []llm.Message, summary, current, channel, chatID string) []llm.Message
}
