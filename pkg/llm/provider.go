package llm

import (
	"context"
	"errors"
)

// Provider is a chat-capable model backend.
type Provider interface {
	// Chat sends one request and returns the complete response.
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, opts Options) (*LLMResponse, error)

	// DefaultModel is used when the caller passes an empty model id.
	DefaultModel() string

	// Name identifies the backend in logs and metrics.
	Name() string
}

// TokenSupplier hands out bearer tokens, refreshing them when needed.
type TokenSupplier interface {
	GetValidToken(ctx context.Context, provider string) (string, error)
}

// ErrNoToken is returned by a TokenSupplier with nothing to offer.
var ErrNoToken = errors.New("no token available")

// StaticToken is a TokenSupplier that always returns the same token.
type StaticToken string

// GetValidToken implements TokenSupplier.
func (t StaticToken) GetValidToken(context.Context, string) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}
