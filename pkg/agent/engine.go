package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/harun/clawloop/pkg/toolexecutor"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Turn outcomes, used as the metrics label.
const (
	outcomeAnswer          = "answer"
	outcomeExhausted       = "exhausted"
	outcomeProviderError   = "provider_error"
	outcomeInvalidToolCall = "invalid_tool_call"
)

// runAgentLoop runs one turn: load context, call the provider until it
// answers without tool calls or the iteration budget is spent, persist the
// reply and maybe summarize. It always returns the text to show the user.
func (l *AgentLoop) runAgentLoop(ctx context.Context, agent *Instance, opts ProcessOptions) string {
	start := time.Now()
	ctx = tracing.NewTurnContext(ctx, agent.ID, opts.SessionKey, opts.Channel)
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn",
		attribute.String("agent_id", agent.ID),
		attribute.String("session_key", opts.SessionKey),
		attribute.String("channel", opts.Channel),
		attribute.String("model", agent.Model),
		attribute.Bool("no_history", opts.NoHistory),
	)
	logger := l.sessionLogger(ctx)

	var (
		history []llm.Message
		summary string
	)
	if !opts.NoHistory {
		history, summary = l.loadContext(ctx, logger, agent, opts.SessionKey)
	}

	messages := agent.ContextBuilder.BuildMessages(history, summary, opts.UserMessage, opts.Channel, opts.ChatID)

	if !opts.NoHistory {
		logStoreErr(logger, "add user message",
			agent.Sessions.AddMessage(ctx, opts.SessionKey, llm.RoleUser, opts.UserMessage))
	}

	tools := agent.toolDefinitions()
	outcome := outcomeExhausted
	var (
		final      string
		last       *llm.LLMResponse
		iterations int
		turnErr    error
	)

	for iterations < agent.MaxIterations {
		iterations++

		resp, err := l.callLLM(ctx, agent, messages, tools, iterations)
		if err != nil {
			logger.Error().Err(err).Int("iteration", iterations).Msg("Provider call failed")
			outcome, turnErr = outcomeProviderError, err
			final = providerErrorMessage(err, agent.Model)
			break
		}
		last = resp

		if len(resp.ToolCalls) == 0 {
			outcome = outcomeAnswer
			final = resp.Content
			break
		}

		calls, err := resolveToolCalls(resp.ToolCalls)
		if err != nil {
			logger.Error().Err(err).Int("iteration", iterations).Msg("Model sent malformed tool call")
			outcome, turnErr = outcomeInvalidToolCall, err
			final = fmt.Sprintf("Error: the model sent tool call arguments that could not be parsed (%v).", err)
			break
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: make([]llm.ToolCall, len(calls))}
		for i, c := range calls {
			assistant.ToolCalls[i] = c.call
		}
		messages = append(messages, assistant)
		if !opts.NoHistory {
			logStoreErr(logger, "add assistant message",
				agent.Sessions.AddFullMessage(ctx, opts.SessionKey, assistant))
		}

		for _, c := range calls {
			result := l.executeTool(ctx, logger, agent, c, opts)
			toolMsg := llm.Message{Role: llm.RoleTool, Content: result.ForLLM, ToolCallID: c.call.ID}
			messages = append(messages, toolMsg)
			if !opts.NoHistory {
				logStoreErr(logger, "add tool result",
					agent.Sessions.AddFullMessage(ctx, opts.SessionKey, toolMsg))
			}
		}
	}

	if outcome == outcomeExhausted {
		switch {
		case last != nil && last.Content != "":
			final = last.Content
		case opts.DefaultResponse != "":
			final = opts.DefaultResponse
		default:
			final = MaxIterationsMarker
		}
		logger.Warn().Int("max_iterations", agent.MaxIterations).Msg("Iteration budget exhausted")
	}

	if final != "" && !opts.NoHistory {
		logStoreErr(logger, "add final answer",
			agent.Sessions.AddMessage(ctx, opts.SessionKey, llm.RoleAssistant, final))
		logStoreErr(logger, "save session", agent.Sessions.Save(ctx, opts.SessionKey))
	}

	if opts.EnableSummary {
		l.maybeSummarize(ctx, agent, opts.SessionKey)
	}

	duration := time.Since(start)
	observability.RecordAgentTurn(agent.ID, outcome, iterations, duration)
	span.SetAttributes(
		attribute.String("outcome", outcome),
		attribute.Int("iterations", iterations),
	)
	tracing.EndSpan(span, turnErr)

	logger.Info().
		Str("outcome", outcome).
		Int("iterations", iterations).
		Dur("duration", duration).
		Int("reply_chars", len(final)).
		Msg("Turn completed")
	return final
}

func (l *AgentLoop) loadContext(ctx context.Context, logger zerolog.Logger, agent *Instance, key string) ([]llm.Message, string) {
	history, err := agent.Sessions.GetHistory(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load history, continuing without it")
		history = nil
	}
	summary, err := agent.Sessions.GetSummary(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load summary, continuing without it")
		summary = ""
	}
	return history, summary
}

func (l *AgentLoop) callLLM(ctx context.Context, agent *Instance, messages []llm.Message, tools []llm.ToolDefinition, iteration int) (*llm.LLMResponse, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.llm_call",
		attribute.Int("iteration", iteration),
		attribute.String("provider", agent.Provider.Name()),
		attribute.String("model", agent.Model),
		attribute.Int("messages", len(messages)),
		attribute.Int("tools", len(tools)),
	)

	opts := llm.Options{MaxTokens: agent.MaxTokens, Temperature: llm.Float(agent.Temperature)}
	resp, err := agent.Provider.Chat(ctx, messages, tools, agent.Model, opts)
	if err == nil && resp == nil {
		err = fmt.Errorf("provider %s returned no response", agent.Provider.Name())
	}
	if resp != nil {
		span.SetAttributes(
			attribute.String("finish_reason", resp.FinishReason),
			attribute.Int("tool_calls", len(resp.ToolCalls)),
		)
		if resp.Usage != nil {
			span.SetAttributes(
				attribute.Int("prompt_tokens", resp.Usage.PromptTokens),
				attribute.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
		}
	}
	tracing.EndSpan(span, err)
	return resp, err
}

type resolvedCall struct {
	call llm.ToolCall
	name string
	args map[string]any
}

// resolveToolCalls parses every call up front so a malformed one ends the
// turn before anything is appended to the transcript.
func resolveToolCalls(calls []llm.ToolCall) ([]resolvedCall, error) {
	out := make([]resolvedCall, 0, len(calls))
	for _, tc := range calls {
		name, args, err := tc.Resolve()
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, fmt.Errorf("tool call %q has no name", tc.ID)
		}
		call := tc.Clone()
		if call.ID == "" {
			call.ID = "call_" + gonanoid.Must(16)
		}
		out = append(out, resolvedCall{call: call, name: name, args: args})
	}
	return out, nil
}

func (l *AgentLoop) executeTool(ctx context.Context, logger zerolog.Logger, agent *Instance, c resolvedCall, opts ProcessOptions) *toolexecutor.ToolResult {
	logger.Info().
		Str("tool", c.name).
		Str("tool_call_id", c.call.ID).
		Str("args", preview(c.call.RawArguments(), 200)).
		Msg("Tool call")

	if agent.Tools == nil {
		return &toolexecutor.ToolResult{ForLLM: "Error: tool not found: " + c.name, IsError: true}
	}
	result := agent.Tools.Execute(ctx, c.name, c.args, opts.Channel, opts.ChatID)
	if result == nil {
		result = &toolexecutor.ToolResult{ForLLM: "Error: tool returned no result", IsError: true}
	}
	return result
}

// providerErrorMessage turns a provider failure into the reply shown to the
// user. Errors that look like a wrong model name get configuration advice.
func providerErrorMessage(err error, model string) string {
	msg := err.Error()
	if strings.Contains(msg, "404") || strings.Contains(strings.ToLower(msg), "model") {
		return fmt.Sprintf("Model error: %s\n\nCurrent model: %s. Check the model name in your config, "+
			"or run `clawloop auth list` to confirm credentials for its provider.", msg, model)
	}
	return fmt.Sprintf("LLM provider error: %s", msg)
}

func logStoreErr(logger zerolog.Logger, op string, err error) {
	if err != nil {
		logger.Error().Err(err).Str("op", op).Msg("Session store update failed")
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
