package agent

import (
	"fmt"

	"github.com/harun/clawloop/pkg/llm"
)

const (
	DefaultAgentID       = "main"
	DefaultMaxIterations = 10
	DefaultMaxTokens     = 8192
	DefaultTemperature   = 0.7

	// MaxIterationsMarker is the reply when a turn runs out of iterations
	// without any content to fall back on.
	MaxIterationsMarker = "(max iterations reached)"
)

// Instance is one configured agent with its collaborators.
type Instance struct {
	ID            string
	Name          string
	Model         string
	MaxIterations int
	MaxTokens     int
	Temperature   float64

	Provider       llm.Provider
	Tools          ToolExecutor
	Sessions       SessionStore
	ContextBuilder ContextBuilder
}

// Validate checks the required collaborators and fills defaults.
func (a *Instance) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("agent id is required")
	}
	if a.Provider == nil {
		return fmt.Errorf("agent %s: provider is required", a.ID)
	}
	if a.Sessions == nil {
		return fmt.Errorf("agent %s: session store is required", a.ID)
	}
	if a.ContextBuilder == nil {
		a.ContextBuilder = &DefaultContextBuilder{}
	}
	if a.MaxIterations <= 0 {
		a.MaxIterations = DefaultMaxIterations
	}
	if a.Model == "" {
		a.Model = a.Provider.DefaultModel()
	}
	return nil
}

func (a *Instance) toolDefinitions() []llm.ToolDefinition {
	if a.Tools == nil {
		return nil
	}
	return a.Tools.GetDefinitions()
}

// ProcessOptions describes one turn.
type ProcessOptions struct {
	SessionKey      string
	Channel         string
	ChatID          string
	UserMessage     string
	DefaultResponse string
	EnableSummary   bool
	SendResponse    bool
	// NoHistory runs the turn without reading or writing the session
	// transcript. EnableSummary still applies to the stored session.
	NoHistory bool
	// RequestID deduplicates redelivered inbound messages.
	RequestID string
}
