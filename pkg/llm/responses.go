package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	DefaultCodexBaseURL     = "https://chatgpt.com/backend-api"
	DefaultCodexModel       = "gpt-5.3-codex"
	DefaultResponsesBaseURL = "https://api.openai.com/v1"

	// CodexCredentialProvider is the credential store key for ChatGPT OAuth tokens.
	CodexCredentialProvider = "openai-codex"

	defaultOriginator = "clawloop"
)

// ResponsesConfig configures a ResponsesProvider.
type ResponsesConfig struct {
	// Name labels errors, logs and metrics ("Codex", "OpenAI").
	Name         string
	BaseURL      string
	Path         string
	DefaultModel string
	// Stream selects the event-stream mode; otherwise one JSON body is read.
	Stream bool
	// AccountID is sent as chatgpt-account-id when set.
	AccountID string
	// Tokens supplies the bearer token for TokenProvider on every call.
	Tokens        TokenSupplier
	TokenProvider string
	Originator    string
	HTTPClient    *http.Client
	Retry         RetryPolicy
	Logger        zerolog.Logger
	Now           func() time.Time
}

// ResponsesProvider talks to an OpenAI Responses API endpoint, either the
// public buffered one or the streaming ChatGPT Codex backend.
type ResponsesProvider struct {
	cfg ResponsesConfig
	url string
}

// NewCodexProvider returns a streaming provider for the ChatGPT Codex backend.
func NewCodexProvider(cfg ResponsesConfig) (*ResponsesProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "Codex"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultCodexBaseURL
	}
	if cfg.Path == "" {
		cfg.Path = "/codex/responses"
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultCodexModel
	}
	if cfg.TokenProvider == "" {
		cfg.TokenProvider = CodexCredentialProvider
	}
	cfg.Stream = true
	return NewResponsesProvider(cfg)
}

// NewResponsesProvider returns a provider for a Responses API endpoint.
// Without a Path it targets the buffered public API.
func NewResponsesProvider(cfg ResponsesConfig) (*ResponsesProvider, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token supplier is required")
	}
	if cfg.Name == "" {
		cfg.Name = "OpenAI"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultResponsesBaseURL
	}
	if cfg.Path == "" {
		cfg.Path = "/responses"
	}
	if cfg.Originator == "" {
		cfg.Originator = defaultOriginator
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient(DefaultConnectTimeout, DefaultRequestTimeout)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &ResponsesProvider{
		cfg: cfg,
		url: strings.TrimRight(cfg.BaseURL, "/") + cfg.Path,
	}, nil
}

// Name implements Provider.
func (p *ResponsesProvider) Name() string {
	return strings.ToLower(p.cfg.Name)
}

// DefaultModel implements Provider.
func (p *ResponsesProvider) DefaultModel() string {
	return p.cfg.DefaultModel
}

// Chat implements Provider.
func (p *ResponsesProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, opts Options) (*LLMResponse, error) {
	if model == "" {
		model = p.cfg.DefaultModel
	}

	ctx, span := tracing.StartSpan(ctx, "clawloop/llm", "llm.responses.chat",
		attribute.String("provider", p.Name()),
		attribute.String("model", model),
		attribute.Bool("stream", p.cfg.Stream),
		attribute.Int("messages", len(messages)),
		attribute.Int("tools", len(tools)),
	)
	defer span.End()

	body, err := json.Marshal(buildResponsesRequest(messages, tools, model, p.cfg.Stream, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	token, err := p.cfg.Tokens.GetValidToken(ctx, p.cfg.TokenProvider)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token unavailable")
		return nil, fmt.Errorf("%s credentials unavailable: %w", p.cfg.Name, err)
	}

	logger := tracing.LoggerFromContext(ctx, p.cfg.Logger)
	start := time.Now()
	resp, err := withRetry(ctx, p.cfg.Retry, p.Name(), logger, func() (*LLMResponse, error) {
		return p.send(ctx, body, token)
	})
	observability.RecordProviderRequest(p.Name(), time.Since(start), err == nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat failed")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("finish_reason", resp.FinishReason),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
	)
	logger.Debug().
		Str("provider", p.Name()).
		Str("model", model).
		Str("finish_reason", resp.FinishReason).
		Int("tool_calls", len(resp.ToolCalls)).
		Msg("Provider response received")
	return resp, nil
}

func (p *ResponsesProvider) send(ctx context.Context, body []byte, token string) (*LLMResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	p.setHeaders(req, token)

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%s request failed: %w", p.cfg.Name, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		raw := readErrorBody(resp.Body, errorBodyLimit)
		return nil, newStatusError(p.cfg.Name, resp.StatusCode, raw, p.cfg.Now())
	}

	if p.cfg.Stream {
		return readStream(p.cfg.Name, resp.Body)
	}
	return p.readBuffered(resp.Body)
}

func (p *ResponsesProvider) readBuffered(r io.Reader) (*LLMResponse, error) {
	var obj responseObject
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, fmt.Errorf("%s response decode failed: %w", p.cfg.Name, err)
	}
	if obj.Status == "failed" && obj.Error != nil {
		return nil, &StreamError{Provider: p.cfg.Name, Message: obj.Error.Message}
	}
	return parseResponseObject(&obj), nil
}

func (p *ResponsesProvider) setHeaders(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OpenAI-Beta", "responses=experimental")
	req.Header.Set("originator", p.cfg.Originator)
	req.Header.Set("User-Agent", fmt.Sprintf("%s (%s; %s)", p.cfg.Originator, runtime.GOOS, runtime.GOARCH))
	if p.cfg.AccountID != "" {
		req.Header.Set("chatgpt-account-id", p.cfg.AccountID)
	}
	if p.cfg.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
}
