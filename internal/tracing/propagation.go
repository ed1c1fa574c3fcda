package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger with the turn identifiers found in ctx
// attached as fields.
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.SessionKey != "" {
		lc = lc.Str("session_key", tc.SessionKey)
	}
	if tc.Channel != "" {
		lc = lc.Str("channel", tc.Channel)
	}
	return lc.Logger()
}

// Detach copies the turn identifiers onto a fresh background context, for work
// that must outlive the caller's cancellation.
func Detach(ctx context.Context) context.Context {
	tc := FromContext(ctx)
	out := context.Background()
	if tc.TraceID != "" {
		out = WithTraceID(out, tc.TraceID)
	}
	if tc.RunID != "" {
		out = WithRunID(out, tc.RunID)
	}
	if tc.AgentID != "" {
		out = WithAgentID(out, tc.AgentID)
	}
	if tc.SessionKey != "" {
		out = WithSessionKey(out, tc.SessionKey)
	}
	if tc.Channel != "" {
		out = WithChannel(out, tc.Channel)
	}
	return out
}
