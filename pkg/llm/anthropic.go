package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/clawloop/internal/observability"
	"github.com/rs/zerolog"
)

const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultAnthropicMax   = 4096
)

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryPolicy
	Logger       zerolog.Logger
	Options      []option.RequestOption
}

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	retry        RetryPolicy
	logger       zerolog.Logger
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultAnthropicModel
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
	}
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// DefaultModel implements Provider.
func (p *AnthropicProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat implements Provider.
func (p *AnthropicProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, opts Options) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	model = strings.TrimPrefix(model, "anthropic/")

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  toAnthropicMessages(messages),
		MaxTokens: defaultAnthropicMax,
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = int64(opts.MaxTokens)
	}
	if system := systemPrompt(messages); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = toAnthropicTools(tools)
	}

	start := time.Now()
	msg, err := withRetry(ctx, p.retry, p.Name(), p.logger, func() (*anthropic.Message, error) {
		m, err := p.client.Messages.New(ctx, params)
		if err != nil {
			return nil, p.classify(err)
		}
		return m, nil
	})
	observability.RecordProviderRequest(p.Name(), time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	resp := &LLMResponse{
		Usage: &Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += b.Text
		case anthropic.ToolUseBlock:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:   b.ID,
				Name: b.Name,
				Function: &FunctionCall{
					Name:      b.Name,
					Arguments: b.JSON.Input.Raw(),
				},
			})
		}
	}

	switch {
	case len(resp.ToolCalls) > 0:
		resp.FinishReason = FinishToolCalls
	case msg.StopReason == "" || msg.StopReason == anthropic.StopReasonEndTurn:
		resp.FinishReason = FinishStop
	default:
		resp.FinishReason = string(msg.StopReason)
	}
	return resp, nil
}

func (p *AnthropicProvider) classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		return &APIError{
			Provider:   p.Name(),
			StatusCode: apiErr.StatusCode,
			Body:       body,
			Retryable:  IsRetryableStatus(apiErr.StatusCode, body),
			Message:    fmt.Sprintf("anthropic API error %d: %s", apiErr.StatusCode, truncate(body, terminalBodyLimit)),
		}
	}
	return fmt.Errorf("anthropic request failed: %w", err)
}

func systemPrompt(messages []Message) string {
	for _, msg := range messages {
		if msg.Role == RoleSystem {
			return msg.Content
		}
	}
	return ""
}

func toAnthropicMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				name, args, err := tc.Resolve()
				if err != nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	return out
}

func toAnthropicTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		tool := anthropic.ToolParam{
			Name:        t.Function.Name,
			Description: anthropic.String(t.Function.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: t.Function.Parameters["properties"],
			},
		}
		switch req := t.Function.Parameters["required"].(type) {
		case []string:
			tool.InputSchema.Required = req
		case []any:
			for _, v := range req {
				if s, ok := v.(string); ok {
					tool.InputSchema.Required = append(tool.InputSchema.Required, s)
				}
			}
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &tool})
	}
	return out
}
