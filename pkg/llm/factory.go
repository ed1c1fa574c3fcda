package llm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Protocols a model entry may force.
const (
	ProtocolOpenAI    = "openai"
	ProtocolAnthropic = "anthropic"
	ProtocolResponses = "responses"
	ProtocolCodex     = "codex"
)

var (
	anthropicPrefixes = []string{"anthropic/", "claude"}
	copilotPrefixes   = []string{"copilot/"}
	openAIPrefixes    = []string{"openai/", "openrouter/", "groq/", "ollama/", "deepseek/", "gemini/", "qwen/"}

	defaultAPIBases = map[string]string{
		"openrouter": "https://openrouter.ai/api/v1",
		"groq":       "https://api.groq.com/openai/v1",
		"ollama":     "http://localhost:11434/v1",
		"deepseek":   "https://api.deepseek.com/v1",
	}
)

// ModelEntry maps a user-facing model name onto a concrete backend.
type ModelEntry struct {
	ModelName string
	Model     string
	APIKey    string
	APIBase   string
	Protocol  string
}

// ProviderSettings holds the key and endpoint for one named backend.
type ProviderSettings struct {
	APIKey  string
	APIBase string
}

// CredentialSource is the read side of the credential store.
type CredentialSource interface {
	TokenSupplier
	// OAuthAccount reports whether an OAuth credential exists for provider
	// and the account id bound to it.
	OAuthAccount(provider string) (accountID string, ok bool)
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	ModelList   []ModelEntry
	Providers   map[string]ProviderSettings
	Credentials CredentialSource
	HTTPClient  *http.Client
	Retry       RetryPolicy
	Logger      zerolog.Logger
}

// Factory builds providers from model names.
type Factory struct {
	cfg FactoryConfig
}

// NewFactory creates a provider factory
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderSettings{}
	}
	return &Factory{cfg: cfg}
}

// Create returns the provider for modelName and the model id to send to it.
//
// Resolution order: an explicit model_list entry, then Anthropic prefixes,
// then a stored Codex OAuth credential, then an OpenAI-compatible backend
// chosen by prefix.
func (f *Factory) Create(modelName string) (Provider, string, error) {
	modelID := modelName
	var apiKey, apiBase, protocol string
	if entry, ok := f.lookup(modelName); ok {
		if entry.Model != "" {
			modelID = entry.Model
		}
		apiKey, apiBase, protocol = entry.APIKey, entry.APIBase, entry.Protocol
	}

	switch protocol {
	case ProtocolAnthropic:
		return f.anthropic(modelID, apiKey, apiBase)
	case ProtocolResponses:
		return f.responses(modelID, apiKey, apiBase)
	case ProtocolCodex:
		if p, model, ok := f.codex(modelID); ok {
			return p, model, nil
		}
		return nil, "", fmt.Errorf("no %s OAuth credential stored for model %q", CodexCredentialProvider, modelName)
	case ProtocolOpenAI:
		return f.openAI(modelID, apiKey, apiBase)
	case "":
	default:
		return nil, "", fmt.Errorf("unsupported protocol %q for model %q", protocol, modelName)
	}

	if hasAnyPrefix(modelID, anthropicPrefixes) {
		return f.anthropic(modelID, apiKey, apiBase)
	}
	if hasAnyPrefix(modelID, copilotPrefixes) {
		return nil, "", fmt.Errorf("copilot provider is not supported: %s", modelID)
	}
	if p, model, ok := f.codex(modelID); ok {
		return p, model, nil
	}
	return f.openAI(modelID, apiKey, apiBase)
}

func (f *Factory) lookup(name string) (ModelEntry, bool) {
	for _, e := range f.cfg.ModelList {
		if e.ModelName == name {
			return e, true
		}
	}
	return ModelEntry{}, false
}

func (f *Factory) anthropic(modelID, apiKey, apiBase string) (Provider, string, error) {
	model := strings.TrimPrefix(modelID, "anthropic/")
	if apiKey == "" {
		settings := f.cfg.Providers["anthropic"]
		apiKey = settings.APIKey
		if apiBase == "" {
			apiBase = settings.APIBase
		}
	}
	if apiKey == "" {
		return nil, "", fmt.Errorf("no API key configured for anthropic")
	}
	return NewAnthropicProvider(AnthropicConfig{
		APIKey:       apiKey,
		BaseURL:      apiBase,
		DefaultModel: model,
		Retry:        f.cfg.Retry,
		Logger:       f.cfg.Logger,
	}), model, nil
}

func (f *Factory) codex(modelID string) (Provider, string, bool) {
	if f.cfg.Credentials == nil {
		return nil, "", false
	}
	accountID, ok := f.cfg.Credentials.OAuthAccount(CodexCredentialProvider)
	if !ok {
		return nil, "", false
	}
	model := strings.TrimPrefix(strings.TrimPrefix(modelID, "openai-codex/"), "openai/")
	p, err := NewCodexProvider(ResponsesConfig{
		AccountID:    accountID,
		DefaultModel: model,
		Tokens:       f.cfg.Credentials,
		HTTPClient:   f.cfg.HTTPClient,
		Retry:        f.cfg.Retry,
		Logger:       f.cfg.Logger,
	})
	if err != nil {
		return nil, "", false
	}
	return p, model, true
}

func (f *Factory) responses(modelID, apiKey, apiBase string) (Provider, string, error) {
	model := strings.TrimPrefix(modelID, "openai/")
	if apiKey == "" {
		apiKey = f.cfg.Providers["openai"].APIKey
	}
	p, err := NewResponsesProvider(ResponsesConfig{
		BaseURL:      apiBase,
		DefaultModel: model,
		Tokens:       StaticToken(apiKey),
		HTTPClient:   f.cfg.HTTPClient,
		Retry:        f.cfg.Retry,
		Logger:       f.cfg.Logger,
	})
	if err != nil {
		return nil, "", err
	}
	return p, model, nil
}

func (f *Factory) openAI(modelID, apiKey, apiBase string) (Provider, string, error) {
	backend := "openai"
	model := modelID
	for _, prefix := range openAIPrefixes {
		if strings.HasPrefix(modelID, prefix) {
			backend = strings.TrimSuffix(prefix, "/")
			model = modelID[len(prefix):]
			break
		}
	}

	if apiKey == "" {
		settings := f.cfg.Providers[backend]
		if _, known := defaultAPIBases[backend]; !known {
			settings = f.cfg.Providers["openai"]
		}
		apiKey = settings.APIKey
		if apiBase == "" {
			apiBase = settings.APIBase
		}
	}
	if apiBase == "" {
		apiBase = defaultAPIBases[backend]
	}
	if backend == "ollama" && apiKey == "" {
		apiKey = "ollama"
	}

	return NewOpenAIProvider(OpenAIConfig{
		Name:         backend,
		APIKey:       apiKey,
		BaseURL:      apiBase,
		DefaultModel: model,
		Retry:        f.cfg.Retry,
		Logger:       f.cfg.Logger,
	}), model, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
