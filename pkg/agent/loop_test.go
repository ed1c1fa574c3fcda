package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/clawloop/pkg/bus"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/harun/clawloop/pkg/session"
	"github.com/harun/clawloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type providerCall struct {
	messages []llm.Message
	tools    []llm.ToolDefinition
	model    string
	opts     llm.Options
}

type scripted struct {
	resp *llm.LLMResponse
	err  error
}

// scriptedProvider replays canned responses in order, then the fallback.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []scripted
	fallback  *llm.LLMResponse
	calls     []providerCall
}

func (p *scriptedProvider) Chat(_ context.Context, msgs []llm.Message, tools []llm.ToolDefinition, model string, opts llm.Options) (*llm.LLMResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, providerCall{messages: llm.CloneMessages(msgs), tools: tools, model: model, opts: opts})
	if len(p.responses) == 0 {
		if p.fallback != nil {
			return p.fallback, nil
		}
		return nil, errors.New("unexpected provider call")
	}
	next := p.responses[0]
	p.responses = p.responses[1:]
	return next.resp, next.err
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }
func (p *scriptedProvider) Name() string         { return "scripted" }

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptedProvider) call(i int) providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

func answer(content string) scripted {
	return scripted{resp: &llm.LLMResponse{Content: content, FinishReason: llm.FinishStop}}
}

func toolCall(id, name, rawArgs string) scripted {
	return scripted{resp: &llm.LLMResponse{
		ToolCalls:    []llm.ToolCall{{ID: id, Function: &llm.FunctionCall{Name: name, Arguments: rawArgs}}},
		FinishReason: llm.FinishToolCalls,
	}}
}

type testEnv struct {
	agent    *Instance
	provider *scriptedProvider
	sessions *session.Manager
	tools    *toolexecutor.Executor
	loop     *AgentLoop
	echoed   chan map[string]any
}

func setupTestLoop(t *testing.T, responses ...scripted) *testEnv {
	t.Helper()

	provider := &scriptedProvider{responses: responses}
	sessions := session.NewManager(session.NewMemoryBackend(), session.ManagerConfig{Logger: zerolog.Nop()})
	tools := toolexecutor.New(toolexecutor.Config{Logger: zerolog.Nop()})

	echoed := make(chan map[string]any, 16)
	require.NoError(t, tools.RegisterTool(toolexecutor.Tool{
		Name:        "echo",
		Description: "Echoes the input",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			echoed <- params
			return "echo: " + params["text"].(string), nil
		},
	}))

	inst := &Instance{
		ID:            "main",
		Model:         "test-model",
		MaxIterations: 5,
		MaxTokens:     512,
		Temperature:   0.2,
		Provider:      provider,
		Tools:         tools,
		Sessions:      sessions,
		ContextBuilder: &DefaultContextBuilder{
			SystemPrompt: "You are a test agent.",
			Now:          func() time.Time { return time.Date(2026, 1, 2, 15, 4, 0, 0, time.UTC) },
		},
	}
	registry, err := NewRegistry("main", nil, inst)
	require.NoError(t, err)

	loop, err := NewAgentLoop(LoopConfig{Registry: registry, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })

	return &testEnv{agent: inst, provider: provider, sessions: sessions, tools: tools, loop: loop, echoed: echoed}
}

func (e *testEnv) history(t *testing.T, key string) []llm.Message {
	t.Helper()
	h, err := e.sessions.GetHistory(context.Background(), key)
	require.NoError(t, err)
	return h
}

func (e *testEnv) seed(t *testing.T, key string, n int, summary string) {
	t.Helper()
	msgs := make([]llm.Message, n)
	for i := range msgs {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		msgs[i] = llm.Message{Role: role, Content: fmt.Sprintf("m%d", i)}
	}
	ctx := context.Background()
	require.NoError(t, e.sessions.SetHistory(ctx, key, msgs))
	require.NoError(t, e.sessions.SetSummary(ctx, key, summary))
}

func TestProcessDirect_SimpleAnswer(t *testing.T) {
	env := setupTestLoop(t, answer("Hello!"))

	reply, err := env.loop.ProcessDirect(context.Background(), "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply)

	history := env.history(t, DirectSessionKey)
	require.Len(t, history, 2)
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, history[0])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "Hello!"}, history[1])

	call := env.provider.call(0)
	assert.Equal(t, "test-model", call.model)
	assert.Equal(t, 512, call.opts.MaxTokens)
	require.NotNil(t, call.opts.Temperature)
	assert.InDelta(t, 0.2, *call.opts.Temperature, 1e-9)
	require.Len(t, call.tools, 1)
	assert.Equal(t, "echo", call.tools[0].Function.Name)

	require.Len(t, call.messages, 2)
	assert.Equal(t, llm.RoleSystem, call.messages[0].Role)
	assert.Contains(t, call.messages[0].Content, "You are a test agent.")
	assert.Equal(t, llm.Message{Role: llm.RoleUser, Content: "hi"}, call.messages[1])
}

func TestProcessDirect_ReplaysHistory(t *testing.T) {
	env := setupTestLoop(t, answer("first"), answer("second"))
	ctx := context.Background()

	_, err := env.loop.ProcessDirect(ctx, "one", "s1")
	require.NoError(t, err)
	_, err = env.loop.ProcessDirect(ctx, "two", "s1")
	require.NoError(t, err)

	msgs := env.provider.call(1).messages
	require.Len(t, msgs, 4)
	assert.Equal(t, "one", msgs[1].Content)
	assert.Equal(t, "first", msgs[2].Content)
	assert.Equal(t, "two", msgs[3].Content)
	assert.Len(t, env.history(t, "s1"), 4)
}

func TestRunAgentLoop_ToolRoundTrip(t *testing.T) {
	env := setupTestLoop(t,
		toolCall("call_1", "echo", `{"text":"ping"}`),
		answer("done"),
	)

	reply, err := env.loop.ProcessDirect(context.Background(), "use the tool", "tools")
	require.NoError(t, err)
	assert.Equal(t, "done", reply)
	assert.Equal(t, map[string]any{"text": "ping"}, <-env.echoed)

	history := env.history(t, "tools")
	require.Len(t, history, 4, "user, assistant tool request, tool result, final answer")
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "call_1", history[1].ToolCalls[0].ID)
	assert.Equal(t, "echo", history[1].ToolCalls[0].ToolName())
	assert.Equal(t, llm.Message{Role: llm.RoleTool, Content: "echo: ping", ToolCallID: "call_1"}, history[2])
	assert.Equal(t, llm.Message{Role: llm.RoleAssistant, Content: "done"}, history[3])

	// the second provider call sees the tool exchange
	second := env.provider.call(1).messages
	require.Len(t, second, 4)
	assert.Equal(t, llm.RoleTool, second[3].Role)
	assert.Equal(t, "echo: ping", second[3].Content)
}

func TestRunAgentLoop_StructuredArgumentsAndMissingID(t *testing.T) {
	env := setupTestLoop(t,
		scripted{resp: &llm.LLMResponse{ToolCalls: []llm.ToolCall{{Name: "echo", Arguments: map[string]any{"text": "map"}}}}},
		answer("ok"),
	)

	_, err := env.loop.ProcessDirect(context.Background(), "go", "structured")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "map"}, <-env.echoed)

	history := env.history(t, "structured")
	require.Len(t, history, 4)
	id := history[1].ToolCalls[0].ID
	assert.True(t, strings.HasPrefix(id, "call_"), "generated id %q", id)
	assert.Equal(t, id, history[2].ToolCallID)
}

func TestRunAgentLoop_ToolErrorIsAResult(t *testing.T) {
	env := setupTestLoop(t,
		toolCall("call_1", "missing_tool", `{}`),
		answer("recovered"),
	)

	reply, err := env.loop.ProcessDirect(context.Background(), "go", "toolerr")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)

	history := env.history(t, "toolerr")
	require.Len(t, history, 4)
	assert.Equal(t, llm.RoleTool, history[2].Role)
	assert.True(t, strings.HasPrefix(history[2].Content, "Error: "))
}

func TestRunAgentLoop_Exhaustion(t *testing.T) {
	tests := []struct {
		name            string
		lastContent     string
		defaultResponse string
		want            string
	}{
		{"marker", "", "", MaxIterationsMarker},
		{"default response", "", "I ran out of steps.", "I ran out of steps."},
		{"last content", "still working", "ignored", "still working"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestLoop(t)
			env.agent.MaxIterations = 3
			env.provider.fallback = &llm.LLMResponse{
				Content:   tt.lastContent,
				ToolCalls: []llm.ToolCall{{ID: "c", Function: &llm.FunctionCall{Name: "echo", Arguments: `{"text":"x"}`}}},
			}

			reply, err := env.loop.Process(context.Background(), env.agent, ProcessOptions{
				SessionKey:      "exhaust",
				UserMessage:     "loop forever",
				DefaultResponse: tt.defaultResponse,
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply)
			assert.Equal(t, 3, env.provider.callCount())

			// user + 3 x (assistant + tool) + final
			history := env.history(t, "exhaust")
			assert.Len(t, history, 8)
			assert.Equal(t, tt.want, history[7].Content)
		})
	}
}

func TestRunAgentLoop_ProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantPrefix string
	}{
		{"not found", errors.New("openai API error (status 404): no such endpoint"), "Model error: "},
		{"model mentioned", errors.New("The Model `gpt-9` does not exist"), "Model error: "},
		{"generic", errors.New("connection reset by peer"), "LLM provider error: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestLoop(t, scripted{err: tt.err})

			reply, err := env.loop.ProcessDirect(context.Background(), "hi", "errs")
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(reply, tt.wantPrefix), reply)
			assert.Contains(t, reply, tt.err.Error())
			if tt.wantPrefix == "Model error: " {
				assert.Contains(t, reply, "Current model: test-model")
			}
			assert.Equal(t, 1, env.provider.callCount(), "the engine never retries")

			history := env.history(t, "errs")
			require.Len(t, history, 2)
			assert.Equal(t, reply, history[1].Content)
		})
	}
}

func TestRunAgentLoop_MalformedToolArguments(t *testing.T) {
	env := setupTestLoop(t, toolCall("call_1", "echo", `{"text":`))

	reply, err := env.loop.ProcessDirect(context.Background(), "go", "malformed")
	require.NoError(t, err)
	assert.Contains(t, reply, "could not be parsed")
	assert.Equal(t, 1, env.provider.callCount())
	assert.Empty(t, env.echoed)

	history := env.history(t, "malformed")
	require.Len(t, history, 2, "the broken tool request is not stored")
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Empty(t, history[1].ToolCalls)
}

func TestRunAgentLoop_NoHistory(t *testing.T) {
	env := setupTestLoop(t, answer("stateless"))
	env.seed(t, "quiet", 2, "old summary")

	reply, err := env.loop.Process(context.Background(), env.agent, ProcessOptions{
		SessionKey:    "quiet",
		UserMessage:   "hello",
		NoHistory:     true,
		EnableSummary: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "stateless", reply)

	msgs := env.provider.call(0).messages
	require.Len(t, msgs, 2, "stored history is not replayed")
	assert.NotContains(t, msgs[0].Content, "old summary")
	assert.Len(t, env.history(t, "quiet"), 2, "store untouched")
}

func TestRunAgentLoop_NoHistoryStillSummarizes(t *testing.T) {
	env := setupTestLoop(t, answer("stateless"), answer("condensed"))
	env.seed(t, "busy", 20, "")

	reply, err := env.loop.Process(context.Background(), env.agent, ProcessOptions{
		SessionKey:    "busy",
		UserMessage:   "hello",
		NoHistory:     true,
		EnableSummary: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "stateless", reply)
	assert.Equal(t, 2, env.provider.callCount())

	assert.Equal(t, []string{"m16", "m17", "m18", "m19"}, contents(env.history(t, "busy")))
	summary, err := env.sessions.GetSummary(context.Background(), "busy")
	require.NoError(t, err)
	assert.Equal(t, "condensed", summary)
}

func TestRunAgentLoop_EmptyUserMessageIsStored(t *testing.T) {
	env := setupTestLoop(t, answer("anything else?"))

	reply, err := env.loop.ProcessDirect(context.Background(), "", "blank")
	require.NoError(t, err)
	assert.Equal(t, "anything else?", reply)

	history := env.history(t, "blank")
	require.Len(t, history, 2)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Empty(t, history[0].Content)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
}

func TestRunAgentLoop_EmptyFinalStillSummarizes(t *testing.T) {
	env := setupTestLoop(t, answer(""), answer("condensed"))
	env.seed(t, "empty", 19, "")

	reply, err := env.loop.ProcessDirect(context.Background(), "twentieth", "empty")
	require.NoError(t, err)
	assert.Empty(t, reply)

	history := env.history(t, "empty")
	require.Len(t, history, 4)
	assert.Equal(t, "twentieth", history[3].Content, "no assistant message was stored")

	summary, err := env.sessions.GetSummary(context.Background(), "empty")
	require.NoError(t, err)
	assert.Equal(t, "condensed", summary)
}

func TestMaybeSummarize_CompactsAndMerges(t *testing.T) {
	env := setupTestLoop(t, answer("reply"), answer("new summary"))
	env.seed(t, "long", 18, "old summary")

	reply, err := env.loop.ProcessDirect(context.Background(), "question", "long")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)

	history := env.history(t, "long")
	require.Len(t, history, 4)
	assert.Equal(t, []string{"m16", "m17", "question", "reply"}, contents(history))

	summary, err := env.sessions.GetSummary(context.Background(), "long")
	require.NoError(t, err)
	assert.Equal(t, "old summary\n\nnew summary", summary)

	// the turn itself saw the prior summary
	assert.Contains(t, env.provider.call(0).messages[0].Content, "old summary")

	sumCall := env.provider.call(1)
	assert.Nil(t, sumCall.tools)
	assert.Equal(t, 1000, sumCall.opts.MaxTokens)
	require.NotNil(t, sumCall.opts.Temperature)
	assert.InDelta(t, 0.3, *sumCall.opts.Temperature, 1e-9)
	require.Len(t, sumCall.messages, 1)
	prompt := sumCall.messages[0].Content
	assert.True(t, strings.HasPrefix(prompt, summaryPreamble))
	assert.Contains(t, prompt, "[user]: m0\n")
	assert.Contains(t, prompt, "[assistant]: m15\n")
	assert.NotContains(t, prompt, "m16")
}

func TestMaybeSummarize_BelowThreshold(t *testing.T) {
	env := setupTestLoop(t, answer("reply"))
	env.seed(t, "short", 17, "")

	_, err := env.loop.ProcessDirect(context.Background(), "q", "short")
	require.NoError(t, err)
	assert.Len(t, env.history(t, "short"), 19)
	assert.Equal(t, 1, env.provider.callCount())
}

func TestMaybeSummarize_FailureKeepsHistory(t *testing.T) {
	env := setupTestLoop(t, answer("reply"), scripted{err: errors.New("summary backend down")})
	env.seed(t, "fail", 18, "kept")

	reply, err := env.loop.ProcessDirect(context.Background(), "q", "fail")
	require.NoError(t, err)
	assert.Equal(t, "reply", reply)
	assert.Len(t, env.history(t, "fail"), 20)

	summary, err := env.sessions.GetSummary(context.Background(), "fail")
	require.NoError(t, err)
	assert.Equal(t, "kept", summary)
}

func TestBuildSummaryPrompt_TruncatesContent(t *testing.T) {
	long := strings.Repeat("é", 600)
	prompt := buildSummaryPrompt([]llm.Message{{Role: llm.RoleUser, Content: long}})

	line := strings.TrimPrefix(prompt, summaryPreamble)
	assert.Equal(t, "[user]: "+strings.Repeat("é", 500)+"\n", line)
}

func TestAgentLoop_RunOverBus(t *testing.T) {
	env := setupTestLoop(t)
	env.provider.fallback = &llm.LLMResponse{Content: "pong"}

	b := bus.New(8)
	loop, err := NewAgentLoop(LoopConfig{Bus: b, Registry: env.loop.registry, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	in := bus.InboundMessage{ID: "m1", Channel: "telegram", SenderID: "u1", ChatID: "42", Content: "ping"}
	require.NoError(t, b.PublishInbound(ctx, in))
	require.NoError(t, b.PublishInbound(ctx, in))
	require.NoError(t, b.PublishInbound(ctx, bus.InboundMessage{ID: "m2", Channel: "telegram", SenderID: "u1", ChatID: "42", Content: "again"}))

	for i := 0; i < 2; i++ {
		out, ok := b.SubscribeOutbound(ctx)
		require.True(t, ok)
		assert.Equal(t, bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "pong"}, out)
	}
	assert.Equal(t, 2, env.provider.callCount(), "redelivered message is processed once")
	assert.Len(t, env.history(t, "agent:main:telegram:42"), 4)

	loop.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestAgentLoop_RunRequiresBus(t *testing.T) {
	env := setupTestLoop(t)
	assert.Error(t, env.loop.Run(context.Background()))
}

func TestAgentLoop_RunEndsWhenBusCloses(t *testing.T) {
	env := setupTestLoop(t)
	b := bus.New(1)
	loop, err := NewAgentLoop(LoopConfig{Bus: b, Registry: env.loop.registry})
	require.NoError(t, err)
	defer func() { _ = loop.Close() }()

	b.Close()
	assert.NoError(t, loop.Run(context.Background()))
}

func TestNewAgentLoop_RequiresRegistry(t *testing.T) {
	_, err := NewAgentLoop(LoopConfig{})
	assert.Error(t, err)
}

func contents(msgs []llm.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
