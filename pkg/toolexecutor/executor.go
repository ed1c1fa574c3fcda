package toolexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024

	tracerName = "clawloop/toolexecutor"
)

// ToolPolicy defines which tools an agent can use
type ToolPolicy struct {
	Allow []string `json:"allow" mapstructure:"allow"` // "*" allows everything
	Deny  []string `json:"deny" mapstructure:"deny"`   // overrides allow
}

// IsToolAllowed checks if a tool is allowed by the policy. A nil policy
// allows every tool.
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		return true
	}

	for _, denied := range tp.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	return false
}

// ToolParameter defines a parameter for a tool
type ToolParameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
	Default     any
	Enum        []string
}

// ToolHandler is the function signature for tool execution. A string result
// is handed to the model as is; anything else is JSON encoded.
type ToolHandler func(ctx context.Context, params map[string]any) (any, error)

// Tool is a registered tool.
type Tool struct {
	Name        string
	Description string
	Parameters  []ToolParameter
	Handler     ToolHandler
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
}

// ToolResult is what the agent loop sees after a tool ran.
type ToolResult struct {
	// ForLLM is the text appended to the conversation as the tool message.
	ForLLM    string
	IsError   bool
	Truncated bool
	Duration  time.Duration
}

// Config configures an Executor.
type Config struct {
	Timeout        time.Duration
	MaxOutputBytes int
	Policy         *ToolPolicy
	Logger         zerolog.Logger
}

// Executor manages and executes tools
type Executor struct {
	tools   map[string]*Tool
	schemas map[string]*gojsonschema.Schema
	cfg     Config
	mu      sync.RWMutex
}

// New creates a new Executor
func New(cfg Config) *Executor {
	observability.EnsureRegistered()
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	return &Executor{
		tools:   make(map[string]*Tool),
		schemas: make(map[string]*gojsonschema.Schema),
		cfg:     cfg,
	}
}

// RegisterTool registers a new tool, replacing any tool with the same name.
func (te *Executor) RegisterTool(tool Tool) error {
	if err := validateTool(tool); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(parametersSchema(tool)))
	if err != nil {
		return fmt.Errorf("failed to generate schema: %w", err)
	}

	te.mu.Lock()
	defer te.mu.Unlock()

	te.tools[tool.Name] = &tool
	te.schemas[tool.Name] = schema

	te.cfg.Logger.Debug().Str("tool", tool.Name).Msg("Tool registered")
	return nil
}

// UnregisterTool removes a tool
func (te *Executor) UnregisterTool(name string) {
	te.mu.Lock()
	defer te.mu.Unlock()

	delete(te.tools, name)
	delete(te.schemas, name)
}

// GetTool returns a tool by name, or nil.
func (te *Executor) GetTool(name string) *Tool {
	te.mu.RLock()
	defer te.mu.RUnlock()
	return te.tools[name]
}

// ListTools returns the registered tool names the policy allows, sorted.
func (te *Executor) ListTools() []string {
	te.mu.RLock()
	defer te.mu.RUnlock()

	names := make([]string, 0, len(te.tools))
	for name := range te.tools {
		if te.cfg.Policy.IsToolAllowed(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// GetDefinitions returns the tool catalog offered to the model.
func (te *Executor) GetDefinitions() []llm.ToolDefinition {
	names := te.ListTools()

	te.mu.RLock()
	defer te.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		tool := te.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Type: "function",
			Function: llm.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  parametersSchema(*tool),
			},
		})
	}
	return defs
}

// Execute runs a tool and converts every failure (unknown tool, policy,
// validation, handler error, timeout, panic) into an error result.
func (te *Executor) Execute(ctx context.Context, name string, args map[string]any, channel, chatID string) *ToolResult {
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, tracerName, "tool.execute",
		attribute.String("tool", name),
		attribute.String("channel", channel),
	)
	logger := tracing.LoggerFromContext(ctx, te.cfg.Logger).With().Str("tool", name).Logger()

	result := te.execute(ctx, logger, name, args, channel, chatID)
	result.Duration = time.Since(start)

	observability.RecordToolExecution(name, result.Duration, !result.IsError)
	observability.RecordToolAudit(ctx, name, tracing.GetSessionKey(ctx), !result.IsError, result.Duration)
	var spanErr error
	if result.IsError {
		spanErr = fmt.Errorf("%s", result.ForLLM)
	}
	span.SetAttributes(attribute.Bool("truncated", result.Truncated))
	tracing.EndSpan(span, spanErr)
	return result
}

func (te *Executor) execute(ctx context.Context, logger zerolog.Logger, name string, args map[string]any, channel, chatID string) *ToolResult {
	if !te.cfg.Policy.IsToolAllowed(name) {
		logger.Warn().Msg("Tool execution blocked by policy")
		return errorResult(fmt.Sprintf("tool '%s' is not allowed by agent policy", name))
	}

	te.mu.RLock()
	tool := te.tools[name]
	schema := te.schemas[name]
	te.mu.RUnlock()

	if tool == nil {
		logger.Warn().Msg("Tool not found")
		return errorResult(fmt.Sprintf("tool not found: %s", name))
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := validateParameters(schema, args); err != nil {
		logger.Warn().Err(err).Msg("Parameter validation failed")
		return errorResult(fmt.Sprintf("parameter validation failed: %v", err))
	}

	timeout := te.cfg.Timeout
	if tool.Timeout > 0 {
		timeout = tool.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	timeoutCtx = ContextWithExecContext(timeoutCtx, &ExecutionContext{
		Channel:    channel,
		ChatID:     chatID,
		SessionKey: tracing.GetSessionKey(ctx),
		AgentID:    tracing.GetAgentID(ctx),
	})

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		value, err := tool.Handler(timeoutCtx, args)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			logger.Error().Err(out.err).Msg("Tool execution failed")
			return errorResult(out.err.Error())
		}
		text, truncated := te.truncateOutput(formatOutput(out.value))
		if truncated {
			logger.Warn().Int("limit", te.cfg.MaxOutputBytes).Msg("Output truncated")
		}
		logger.Debug().Bool("truncated", truncated).Msg("Tool execution completed")
		return &ToolResult{ForLLM: text, Truncated: truncated}

	case <-timeoutCtx.Done():
		logger.Error().Dur("timeout", timeout).Msg("Tool execution timeout")
		return errorResult(fmt.Sprintf("tool execution timeout after %v", timeout))
	}
}

func errorResult(msg string) *ToolResult {
	return &ToolResult{ForLLM: "Error: " + msg, IsError: true}
}

func formatOutput(v any) string {
	switch out := v.(type) {
	case nil:
		return ""
	case string:
		return out
	case []byte:
		return string(out)
	case fmt.Stringer:
		return out.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// truncateOutput cuts output above the size limit on a rune boundary.
func (te *Executor) truncateOutput(s string) (string, bool) {
	limit := te.cfg.MaxOutputBytes
	if len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... [output truncated]", true
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

var validTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func validateTool(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if strings.ContainsAny(tool.Name, " \t\n") {
		return fmt.Errorf("tool name cannot contain whitespace")
	}
	if tool.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	for _, param := range tool.Parameters {
		if param.Name == "" {
			return fmt.Errorf("parameter name cannot be empty")
		}
		if param.Type == "" {
			return fmt.Errorf("parameter type cannot be empty for %s", param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("parameter description cannot be empty for %s", param.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("invalid parameter type %s for %s", param.Type, param.Name)
		}
	}
	return nil
}

// parametersSchema builds the JSON Schema object for a tool's parameters.
func parametersSchema(tool Tool) map[string]any {
	properties := make(map[string]any, len(tool.Parameters))
	required := []string{}

	for _, param := range tool.Parameters {
		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		if len(param.Enum) > 0 {
			enum := make([]any, len(param.Enum))
			for i, v := range param.Enum {
				enum[i] = v
			}
			paramSchema["enum"] = enum
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validateParameters validates parameters against a JSON Schema
func validateParameters(schema *gojsonschema.Schema, params map[string]any) error {
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}
	return nil
}
