package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog"
)

// OpenAIConfig configures an OpenAI-compatible Chat Completions provider.
type OpenAIConfig struct {
	// Name labels the backend (openai, openrouter, groq, ...).
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Retry        RetryPolicy
	Logger       zerolog.Logger
	// Options are appended to the SDK client options.
	Options []option.RequestOption
}

// OpenAIProvider implements Provider over the Chat Completions API.
type OpenAIProvider struct {
	name         string
	client       openai.Client
	defaultModel string
	retry        RetryPolicy
	logger       zerolog.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are handled by withRetry so they share one policy
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &OpenAIProvider{
		name:         cfg.Name,
		client:       openai.NewClient(opts...),
		defaultModel: cfg.DefaultModel,
		retry:        cfg.Retry,
		logger:       cfg.Logger,
	}
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// DefaultModel implements Provider.
func (p *OpenAIProvider) DefaultModel() string {
	return p.defaultModel
}

// Chat implements Provider.
func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, opts Options) (*LLMResponse, error) {
	if model == "" {
		model = p.defaultModel
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(messages),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = toOpenAITools(tools)
	}

	start := time.Now()
	completion, err := withRetry(ctx, p.retry, p.name, p.logger, func() (*openai.ChatCompletion, error) {
		c, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return nil, p.classify(err)
		}
		return c, nil
	})
	observability.RecordProviderRequest(p.name, time.Since(start), err == nil)
	if err != nil {
		return nil, err
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("%s returned no choices", p.name)
	}
	choice := completion.Choices[0]

	resp := &LLMResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Function: &FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	} else if resp.FinishReason == "" {
		resp.FinishReason = FinishStop
	}
	if completion.Usage.PromptTokens > 0 || completion.Usage.CompletionTokens > 0 {
		resp.Usage = &Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		}
	}
	return resp, nil
}

// classify maps SDK errors onto APIError so the shared retry policy applies.
func (p *OpenAIProvider) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.RawJSON()
		msg := apiErr.Message
		if msg == "" {
			msg = body
		}
		return &APIError{
			Provider:   p.name,
			StatusCode: apiErr.StatusCode,
			Body:       body,
			Retryable:  IsRetryableStatus(apiErr.StatusCode, body),
			Message:    fmt.Sprintf("%s API error %d: %s", p.name, apiErr.StatusCode, truncate(msg, terminalBodyLimit)),
		}
	}
	return fmt.Errorf("%s request failed: %w", p.name, err)
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.ToolName(),
						Arguments: tc.RawArguments(),
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			out = append(out, assistant.ToParam())
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.ChatCompletionToolParam{
			Type: "function",
			Function: openai.FunctionDefinitionParam{
				Name:        t.Function.Name,
				Description: openai.String(t.Function.Description),
				Parameters:  openai.FunctionParameters(t.Function.Parameters),
			},
		})
	}
	return out
}
