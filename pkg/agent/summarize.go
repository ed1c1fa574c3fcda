package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/llm"
	"go.opentelemetry.io/otel/attribute"
)

const (
	summaryPreamble     = "Summarize the following conversation concisely, capturing key facts, decisions, and context:\n\n"
	summaryContentLimit = 500
	summaryMaxTokens    = 1000
	summaryTemperature  = 0.3
	summarySeparator    = "\n\n"
)

// maybeSummarize folds everything but the most recent messages into the
// session's running summary once the history reaches the threshold. Errors
// are logged and never reach the caller.
func (l *AgentLoop) maybeSummarize(ctx context.Context, agent *Instance, key string) {
	logger := l.sessionLogger(ctx)

	history, err := agent.Sessions.GetHistory(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping summarization, history unavailable")
		return
	}
	if len(history) < l.summarizeThreshold {
		return
	}
	cut := len(history) - l.keepRecent
	if cut <= 0 {
		return
	}

	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.summarize",
		attribute.String("session_key", key),
		attribute.Int("history", len(history)),
		attribute.Int("condensed", cut),
	)
	err = l.summarize(ctx, agent, key, history[:cut], history[cut:])
	observability.RecordSummarization(err == nil)
	tracing.EndSpan(span, err)

	if err != nil {
		logger.Error().Err(err).Msg("Failed to summarize session")
		return
	}
	logger.Info().Int("condensed", cut).Int("kept", len(history)-cut).Msg("Session summarized")
}

func (l *AgentLoop) summarize(ctx context.Context, agent *Instance, key string, older, recent []llm.Message) error {
	resp, err := agent.Provider.Chat(ctx,
		[]llm.Message{{Role: llm.RoleUser, Content: buildSummaryPrompt(older)}},
		nil,
		agent.Model,
		llm.Options{MaxTokens: summaryMaxTokens, Temperature: llm.Float(summaryTemperature)},
	)
	if err != nil {
		return fmt.Errorf("summary request failed: %w", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return errors.New("provider returned an empty summary")
	}

	existing, err := agent.Sessions.GetSummary(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read existing summary: %w", err)
	}
	summary := resp.Content
	if existing != "" {
		summary = existing + summarySeparator + summary
	}

	if err := agent.Sessions.SetSummary(ctx, key, summary); err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	if err := agent.Sessions.SetHistory(ctx, key, recent); err != nil {
		return fmt.Errorf("failed to compact history: %w", err)
	}
	if err := agent.Sessions.Save(ctx, key); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func buildSummaryPrompt(messages []llm.Message) string {
	var sb strings.Builder
	sb.WriteString(summaryPreamble)
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, truncateRunes(m.Content, summaryContentLimit))
	}
	return sb.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
