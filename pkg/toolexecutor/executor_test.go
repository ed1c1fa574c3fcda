package toolexecutor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() Tool {
	return Tool{
		Name:        "echo",
		Description: "Echo input",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
			{Name: "times", Type: "integer", Description: "Repeat count"},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			text := params["text"].(string)
			if n, ok := params["times"].(float64); ok {
				return strings.Repeat(text, int(n)), nil
			}
			return text, nil
		},
	}
}

func setupTestExecutor(t *testing.T, cfg Config) *Executor {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	te := New(cfg)
	require.NoError(t, te.RegisterTool(echoTool()))
	return te
}

func TestExecutor_RegisterTool_InvalidDefinition(t *testing.T) {
	te := New(Config{})
	noop := func(ctx context.Context, params map[string]any) (any, error) { return nil, nil }

	tests := []struct {
		name string
		tool Tool
	}{
		{"empty name", Tool{Description: "Test", Handler: noop}},
		{"whitespace name", Tool{Name: "a b", Description: "Test", Handler: noop}},
		{"empty description", Tool{Name: "test", Handler: noop}},
		{"nil handler", Tool{Name: "test", Description: "Test"}},
		{"bad param type", Tool{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}}}},
		{"param without description", Tool{Name: "test", Description: "Test", Handler: noop,
			Parameters: []ToolParameter{{Name: "x", Type: "string"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, te.RegisterTool(tt.tool))
		})
	}
}

func TestExecutor_Execute_Success(t *testing.T) {
	te := setupTestExecutor(t, Config{})

	res := te.Execute(context.Background(), "echo", map[string]any{"text": "ab", "times": float64(2)}, "cli", "direct")
	assert.False(t, res.IsError)
	assert.Equal(t, "abab", res.ForLLM)
	assert.False(t, res.Truncated)
}

func TestExecutor_Execute_Failures(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	require.NoError(t, te.RegisterTool(Tool{
		Name:        "boom",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}))
	require.NoError(t, te.RegisterTool(Tool{
		Name:        "panicky",
		Description: "Panics",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			panic("oops")
		},
	}))

	tests := []struct {
		name     string
		tool     string
		args     map[string]any
		contains string
	}{
		{"unknown tool", "nope", nil, "tool not found: nope"},
		{"missing required", "echo", map[string]any{}, "parameter validation failed"},
		{"wrong type", "echo", map[string]any{"text": 5}, "parameter validation failed"},
		{"extra property", "echo", map[string]any{"text": "a", "other": true}, "parameter validation failed"},
		{"handler error", "boom", nil, "disk on fire"},
		{"panic", "panicky", nil, "tool panicked: oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := te.Execute(context.Background(), tt.tool, tt.args, "", "")
			assert.True(t, res.IsError)
			assert.True(t, strings.HasPrefix(res.ForLLM, "Error: "))
			assert.Contains(t, res.ForLLM, tt.contains)
		})
	}
}

func TestExecutor_Execute_Timeout(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	require.NoError(t, te.RegisterTool(Tool{
		Name:        "slow",
		Description: "Sleeps",
		Timeout:     20 * time.Millisecond,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return "late", nil
		},
	}))

	res := te.Execute(context.Background(), "slow", nil, "", "")
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "timeout")
}

func TestExecutor_Execute_Truncation(t *testing.T) {
	te := setupTestExecutor(t, Config{MaxOutputBytes: 10})

	res := te.Execute(context.Background(), "echo", map[string]any{"text": strings.Repeat("é", 20)}, "", "")
	assert.False(t, res.IsError)
	assert.True(t, res.Truncated)
	assert.Equal(t, strings.Repeat("é", 5)+"\n... [output truncated]", res.ForLLM)
}

func TestExecutor_Execute_StructuredOutput(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	require.NoError(t, te.RegisterTool(Tool{
		Name:        "lookup",
		Description: "Returns a map",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return map[string]any{"answer": 42}, nil
		},
	}))

	res := te.Execute(context.Background(), "lookup", nil, "", "")
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"answer":42}`, res.ForLLM)
}

func TestExecutor_ExecutionContext(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	var got *ExecutionContext
	require.NoError(t, te.RegisterTool(Tool{
		Name:        "where",
		Description: "Reports origin",
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			got = ExecContextFromContext(ctx)
			return "ok", nil
		},
	}))

	res := te.Execute(context.Background(), "where", nil, "telegram", "42")
	require.False(t, res.IsError)
	require.NotNil(t, got)
	assert.Equal(t, "telegram", got.Channel)
	assert.Equal(t, "42", got.ChatID)
}

func TestExecutor_Policy(t *testing.T) {
	te := setupTestExecutor(t, Config{Policy: &ToolPolicy{Allow: []string{"*"}, Deny: []string{"echo"}}})
	require.NoError(t, te.RegisterTool(currentTimeTool(time.Now)))

	assert.Equal(t, []string{"current_time"}, te.ListTools())

	res := te.Execute(context.Background(), "echo", map[string]any{"text": "x"}, "", "")
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "not allowed")
}

func TestToolPolicy_IsToolAllowed(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.True(t, nilPolicy.IsToolAllowed("anything"))

	p := &ToolPolicy{Allow: []string{"a"}}
	assert.True(t, p.IsToolAllowed("a"))
	assert.False(t, p.IsToolAllowed("b"))

	p = &ToolPolicy{Allow: []string{"*"}, Deny: []string{"*"}}
	assert.False(t, p.IsToolAllowed("a"))
}

func TestExecutor_GetDefinitions(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	require.NoError(t, te.RegisterTool(currentTimeTool(time.Now)))

	defs := te.GetDefinitions()
	require.Len(t, defs, 2)
	assert.Equal(t, "current_time", defs[0].Function.Name)
	assert.Equal(t, "echo", defs[1].Function.Name)
	assert.Equal(t, "function", defs[1].Type)

	params := defs[1].Function.Parameters
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"text"}, params["required"])
	props := params["properties"].(map[string]any)
	assert.Contains(t, props, "text")
	assert.Contains(t, props, "times")
}

func TestExecutor_UnregisterTool(t *testing.T) {
	te := setupTestExecutor(t, Config{})
	te.UnregisterTool("echo")
	assert.Nil(t, te.GetTool("echo"))
	assert.Empty(t, te.GetDefinitions())
}
