package llm

import (
	"encoding/json"
	"fmt"
)

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
)

// Message is one entry of a conversation transcript.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// Clone returns a copy that shares no slices with m.
func (m Message) Clone() Message {
	if len(m.ToolCalls) == 0 {
		m.ToolCalls = nil
		return m
	}
	calls := make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		calls[i] = tc.Clone()
	}
	m.ToolCalls = calls
	return m
}

// CloneMessages deep-copies a message slice.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// FunctionCall is the serialized form of a tool call as providers return it.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is a single tool invocation requested by the model. Arguments
// arrive either already structured (Arguments) or as raw JSON (Function).
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Function  *FunctionCall  `json:"function,omitempty"`
}

// Clone returns a copy of tc with its own argument map.
func (tc ToolCall) Clone() ToolCall {
	if tc.Arguments != nil {
		args := make(map[string]any, len(tc.Arguments))
		for k, v := range tc.Arguments {
			args[k] = v
		}
		tc.Arguments = args
	}
	if tc.Function != nil {
		fn := *tc.Function
		tc.Function = &fn
	}
	return tc
}

// Resolve returns the tool name and structured arguments regardless of the
// form the provider used. Raw arguments are parsed exactly once; an empty raw
// string yields an empty map.
func (tc ToolCall) Resolve() (string, map[string]any, error) {
	name := tc.Name
	if tc.Function != nil && tc.Function.Name != "" {
		name = tc.Function.Name
	}

	if tc.Function != nil && tc.Function.Arguments != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			return name, nil, fmt.Errorf("invalid arguments for tool %q: %w", name, err)
		}
		if args == nil {
			args = map[string]any{}
		}
		return name, args, nil
	}

	if tc.Arguments == nil {
		return name, map[string]any{}, nil
	}
	return name, tc.Arguments, nil
}

// RawArguments returns the arguments in serialized form, "{}" when empty.
func (tc ToolCall) RawArguments() string {
	if tc.Function != nil && tc.Function.Arguments != "" {
		return tc.Function.Arguments
	}
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ToolName returns the tool name from whichever form carries it.
func (tc ToolCall) ToolName() string {
	if tc.Function != nil && tc.Function.Name != "" {
		return tc.Function.Name
	}
	return tc.Name
}

// Usage reports token consumption for one provider call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// LLMResponse is the normalized result of a chat call.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
	FinishReason string     `json:"finish_reason"`
}

// FunctionDefinition describes a callable tool to the model.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinition wraps a function definition in the OpenAI tool envelope.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// Options are per-call generation settings. Zero values are not sent.
type Options struct {
	MaxTokens   int
	Temperature *float64
}

// Float returns a pointer to v, for Options.Temperature.
func Float(v float64) *float64 {
	return &v
}
