package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredentials struct {
	accounts map[string]string
}

func (f fakeCredentials) GetValidToken(_ context.Context, provider string) (string, error) {
	if _, ok := f.accounts[provider]; ok {
		return "token-" + provider, nil
	}
	return "", ErrNoToken
}

func (f fakeCredentials) OAuthAccount(provider string) (string, bool) {
	id, ok := f.accounts[provider]
	return id, ok
}

func TestFactory_AnthropicPrefixes(t *testing.T) {
	f := NewFactory(FactoryConfig{
		Providers: map[string]ProviderSettings{"anthropic": {APIKey: "sk-ant"}},
	})

	p, model, err := f.Create("anthropic/claude-3-5-haiku")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-3-5-haiku", model)

	p, model, err = f.Create("claude-sonnet-4")
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProvider{}, p)
	assert.Equal(t, "claude-sonnet-4", model)
}

func TestFactory_AnthropicWithoutKey(t *testing.T) {
	_, _, err := NewFactory(FactoryConfig{}).Create("claude-sonnet-4")
	require.Error(t, err)
}

func TestFactory_CopilotUnsupported(t *testing.T) {
	_, _, err := NewFactory(FactoryConfig{}).Create("copilot/gpt-4o")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copilot")
}

func TestFactory_OpenAICompatiblePrefixes(t *testing.T) {
	f := NewFactory(FactoryConfig{
		Providers: map[string]ProviderSettings{
			"openai":     {APIKey: "sk-openai"},
			"groq":       {APIKey: "gsk"},
			"openrouter": {APIKey: "or-key"},
		},
	})

	tests := []struct {
		input    string
		provider string
		model    string
	}{
		{"gpt-4o", "openai", "gpt-4o"},
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"groq/llama-3.3-70b", "groq", "llama-3.3-70b"},
		{"openrouter/meta/llama", "openrouter", "meta/llama"},
		{"ollama/qwen2.5", "ollama", "qwen2.5"},
		{"deepseek/deepseek-chat", "deepseek", "deepseek-chat"},
		{"gemini/gemini-2.0-flash", "gemini", "gemini-2.0-flash"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, model, err := f.Create(tt.input)
			require.NoError(t, err)
			assert.IsType(t, &OpenAIProvider{}, p)
			assert.Equal(t, tt.provider, p.Name())
			assert.Equal(t, tt.model, model)
			assert.Equal(t, tt.model, p.DefaultModel())
		})
	}
}

func TestFactory_CodexCredentialWins(t *testing.T) {
	f := NewFactory(FactoryConfig{
		Providers:   map[string]ProviderSettings{"openai": {APIKey: "sk-openai"}},
		Credentials: fakeCredentials{accounts: map[string]string{CodexCredentialProvider: "acct-1"}},
	})

	p, model, err := f.Create("openai/gpt-5.3-codex")
	require.NoError(t, err)

	codex, ok := p.(*ResponsesProvider)
	require.True(t, ok)
	assert.Equal(t, "codex", codex.Name())
	assert.Equal(t, "gpt-5.3-codex", model)
	assert.Equal(t, "acct-1", codex.cfg.AccountID)
	assert.True(t, codex.cfg.Stream)
}

func TestFactory_ModelListEntry(t *testing.T) {
	f := NewFactory(FactoryConfig{
		ModelList: []ModelEntry{
			{ModelName: "fast", Model: "groq/llama-3.1-8b", APIKey: "entry-key"},
			{ModelName: "writer", Model: "claude-opus-4", APIKey: "entry-ant"},
			{ModelName: "resp", Model: "openai/gpt-4.1", APIKey: "sk-r", Protocol: ProtocolResponses},
			{ModelName: "odd", Model: "x", Protocol: "carrier-pigeon"},
			{ModelName: "sub", Model: "gpt-5", Protocol: ProtocolCodex},
		},
	})

	p, model, err := f.Create("fast")
	require.NoError(t, err)
	assert.Equal(t, "groq", p.Name())
	assert.Equal(t, "llama-3.1-8b", model)

	p, model, err = f.Create("writer")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, "claude-opus-4", model)

	p, model, err = f.Create("resp")
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Name())
	assert.IsType(t, &ResponsesProvider{}, p)
	assert.Equal(t, "gpt-4.1", model)

	_, _, err = f.Create("odd")
	require.Error(t, err)

	_, _, err = f.Create("sub")
	require.Error(t, err)
}
