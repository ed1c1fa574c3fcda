package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey    ContextKey = "trace_id"
	RunIDKey      ContextKey = "run_id"
	AgentIDKey    ContextKey = "agent_id"
	SessionKeyKey ContextKey = "session_key"
	ChannelKey    ContextKey = "channel"
)

// TraceContext holds the identifiers carried through one agent turn.
type TraceContext struct {
	TraceID    string
	RunID      string
	AgentID    string
	SessionKey string
	Channel    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

func WithSessionKey(ctx context.Context, sessionKey string) context.Context {
	return context.WithValue(ctx, SessionKeyKey, sessionKey)
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string    { return value(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string      { return value(ctx, RunIDKey) }
func GetAgentID(ctx context.Context) string    { return value(ctx, AgentIDKey) }
func GetSessionKey(ctx context.Context) string { return value(ctx, SessionKeyKey) }
func GetChannel(ctx context.Context) string    { return value(ctx, ChannelKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		AgentID:    GetAgentID(ctx),
		SessionKey: GetSessionKey(ctx),
		Channel:    GetChannel(ctx),
	}
}

// NewTurnContext starts a turn: it keeps an existing trace ID, or creates one,
// and always assigns a fresh run ID.
func NewTurnContext(ctx context.Context, agentID, sessionKey, channel string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithAgentID(ctx, agentID)
	if sessionKey != "" {
		ctx = WithSessionKey(ctx, sessionKey)
	}
	if channel != "" {
		ctx = WithChannel(ctx, channel)
	}
	return ctx
}
