package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnthropic(url string) *AnthropicProvider {
	return NewAnthropicProvider(AnthropicConfig{
		APIKey:  "sk-ant-test",
		BaseURL: url,
		Retry:   fastRetry(),
		Logger:  zerolog.Nop(),
	})
}

func TestAnthropicProvider_TextAndToolUse(t *testing.T) {
	var captured map[string]any
	var apiKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		apiKey = r.Header.Get("X-Api-Key")
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "msg_1",
			"type":  "message",
			"role":  "assistant",
			"model": "claude-test",
			"content": []map[string]any{
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "toolu_1", "name": "weather", "input": map[string]any{"city": "Oslo"}},
			},
			"stop_reason":   "tool_use",
			"stop_sequence": nil,
			"usage":         map[string]any{"input_tokens": 20, "output_tokens": 7},
		})
	}))
	defer server.Close()

	p := newTestAnthropic(server.URL)
	resp, err := p.Chat(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "weather?"},
	}, []ToolDefinition{weatherTool}, "anthropic/claude-test", Options{MaxTokens: 512})
	require.NoError(t, err)

	assert.Equal(t, "Checking.", resp.Content)
	assert.Equal(t, FinishToolCalls, resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "toolu_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "weather", resp.ToolCalls[0].ToolName())
	assert.JSONEq(t, `{"city":"Oslo"}`, resp.ToolCalls[0].RawArguments())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 20, resp.Usage.PromptTokens)
	assert.Equal(t, 7, resp.Usage.CompletionTokens)

	assert.Equal(t, "sk-ant-test", apiKey)
	assert.Equal(t, "claude-test", captured["model"])
	assert.EqualValues(t, 512, captured["max_tokens"])

	system := captured["system"].([]any)
	require.Len(t, system, 1)
	assert.Equal(t, "be brief", system[0].(map[string]any)["text"])

	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].(map[string]any)["role"])

	tools := captured["tools"].([]any)
	require.Len(t, tools, 1)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "weather", tool["name"])
	schema := tool["input_schema"].(map[string]any)
	assert.Equal(t, []any{"city"}, schema["required"])
}

func TestAnthropicProvider_ReplaysToolResults(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_2",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-test",
			"content":     []map[string]any{{"type": "text", "text": "It rains."}},
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 30, "output_tokens": 4},
		})
	}))
	defer server.Close()

	resp, err := newTestAnthropic(server.URL).Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "weather in Paris?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "toolu_0", Name: "weather", Arguments: map[string]any{"city": "Paris"}}}},
		{Role: RoleTool, ToolCallID: "toolu_0", Content: "rain"},
	}, nil, "", Options{})
	require.NoError(t, err)
	assert.Equal(t, "It rains.", resp.Content)
	assert.Equal(t, FinishStop, resp.FinishReason)

	assert.Equal(t, DefaultAnthropicModel, captured["model"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 3)

	assistant := msgs[1].(map[string]any)
	assert.Equal(t, "assistant", assistant["role"])
	block := assistant["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "toolu_0", block["id"])

	result := msgs[2].(map[string]any)
	assert.Equal(t, "user", result["role"])
	resultBlock := result["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "tool_result", resultBlock["type"])
	assert.Equal(t, "toolu_0", resultBlock["tool_use_id"])
}

func TestAnthropicProvider_TerminalError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens too large"}}`))
	}))
	defer server.Close()

	_, err := newTestAnthropic(server.URL).Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil, "", Options{})
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "anthropic", apiErr.Provider)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.False(t, apiErr.Retryable)
	assert.Contains(t, apiErr.Error(), "max_tokens too large")
}
