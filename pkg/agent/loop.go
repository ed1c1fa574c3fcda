package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/bus"
	"github.com/harun/clawloop/pkg/commandqueue"
	"github.com/rs/zerolog"
)

const (
	tracerName = "clawloop/agent"

	DefaultSummarizeThreshold = 20
	DefaultKeepRecent         = 4
	DefaultSessionKey         = "default"
	DirectSessionKey          = "cli"
)

// LoopConfig configures an AgentLoop.
type LoopConfig struct {
	// Bus is required by Run. ProcessDirect works without one.
	Bus      *bus.MessageBus
	Registry *Registry
	// Queue serializes turns per session key. One is created when nil.
	Queue  *commandqueue.Queue
	Logger zerolog.Logger

	SummarizeThreshold int
	KeepRecent         int
	// QueueWarnAfter logs turns that waited this long for their session.
	QueueWarnAfter time.Duration
}

// AgentLoop consumes inbound messages, runs agent turns and publishes the
// replies.
type AgentLoop struct {
	bus       *bus.MessageBus
	registry  *Registry
	queue     *commandqueue.Queue
	ownsQueue bool
	logger    zerolog.Logger

	summarizeThreshold int
	keepRecent         int
	queueWarnAfter     time.Duration

	running    atomic.Bool
	mu         sync.Mutex
	cancelWait context.CancelFunc
}

// NewAgentLoop creates an AgentLoop.
func NewAgentLoop(cfg LoopConfig) (*AgentLoop, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("agent registry is required")
	}
	observability.EnsureRegistered()

	l := &AgentLoop{
		bus:                cfg.Bus,
		registry:           cfg.Registry,
		queue:              cfg.Queue,
		logger:             cfg.Logger,
		summarizeThreshold: cfg.SummarizeThreshold,
		keepRecent:         cfg.KeepRecent,
		queueWarnAfter:     cfg.QueueWarnAfter,
	}
	if l.queue == nil {
		l.queue = commandqueue.New(commandqueue.Config{Logger: cfg.Logger})
		l.ownsQueue = true
	}
	if l.summarizeThreshold <= 0 {
		l.summarizeThreshold = DefaultSummarizeThreshold
	}
	if l.keepRecent <= 0 {
		l.keepRecent = DefaultKeepRecent
	}
	return l, nil
}

// Run processes inbound messages one at a time until Stop is called, ctx
// ends or the bus is closed and drained. A message is always processed to
// completion before the next one is dequeued.
func (l *AgentLoop) Run(ctx context.Context) error {
	if l.bus == nil {
		return fmt.Errorf("message bus is required to run the agent loop")
	}
	if !l.running.CompareAndSwap(false, true) {
		return fmt.Errorf("agent loop is already running")
	}
	defer l.running.Store(false)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.cancelWait = cancel
	l.mu.Unlock()

	l.logger.Info().Strs("agents", l.registry.ListAgentIDs()).Msg("Agent loop started")
	for l.running.Load() {
		msg, ok := l.bus.ConsumeInbound(waitCtx)
		if !ok {
			break
		}
		l.handleMessage(ctx, msg)
	}
	l.logger.Info().Msg("Agent loop stopped")
	return ctx.Err()
}

// Stop ends Run after the message in flight, if any, is finished.
func (l *AgentLoop) Stop() {
	l.running.Store(false)
	l.mu.Lock()
	if l.cancelWait != nil {
		l.cancelWait()
	}
	l.mu.Unlock()
}

// Close releases the session queue when the loop created it.
func (l *AgentLoop) Close() error {
	if l.ownsQueue {
		return l.queue.Close()
	}
	return nil
}

// ProcessDirect runs one turn against the default agent without touching
// the bus. An empty sessionKey means "cli".
func (l *AgentLoop) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	if sessionKey == "" {
		sessionKey = DirectSessionKey
	}
	return l.Process(ctx, l.registry.GetDefaultAgent(), ProcessOptions{
		SessionKey:    sessionKey,
		Channel:       "cli",
		ChatID:        "direct",
		UserMessage:   content,
		EnableSummary: true,
	})
}

// Process runs one turn for agent once its session lane is free. The error
// is non-nil only when the turn could not be scheduled.
func (l *AgentLoop) Process(ctx context.Context, agent *Instance, opts ProcessOptions) (string, error) {
	if agent == nil {
		return "", fmt.Errorf("agent is required")
	}
	lane := opts.SessionKey
	if opts.NoHistory || lane == "" {
		lane = "agent:" + agent.ID + ":stateless"
	}

	result, err := l.queue.Enqueue(ctx, lane, func(ctx context.Context) (any, error) {
		return l.runAgentLoop(ctx, agent, opts), nil
	}, &commandqueue.TaskOptions{RequestID: opts.RequestID, WarnAfter: l.queueWarnAfter})
	if err != nil {
		return "", err
	}
	text, _ := result.(string)
	return text, nil
}

func (l *AgentLoop) handleMessage(ctx context.Context, msg bus.InboundMessage) {
	logger := l.logger.With().
		Str("channel", msg.Channel).
		Str("chat_id", msg.ChatID).
		Str("message_id", msg.ID).
		Logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Message handling panicked")
		}
	}()

	route := l.registry.ResolveRoute(RouteInput{
		Channel:   msg.Channel,
		AccountID: msg.SenderID,
		ChatID:    msg.ChatID,
	})
	agent, ok := l.registry.GetAgent(route.AgentID)
	if !ok {
		agent = l.registry.GetDefaultAgent()
	}

	sessionKey := route.SessionKey
	if sessionKey == "" {
		sessionKey = msg.SessionKey
	}
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	opts := ProcessOptions{
		SessionKey:    sessionKey,
		Channel:       msg.Channel,
		ChatID:        msg.ChatID,
		UserMessage:   msg.Content,
		EnableSummary: true,
		SendResponse:  true,
		RequestID:     msg.ID,
	}
	logger.Debug().
		Str("agent_id", agent.ID).
		Str("session_key", sessionKey).
		Str("matched_by", route.MatchedBy).
		Msg("Processing inbound message")

	response, err := l.Process(ctx, agent, opts)
	switch {
	case errors.Is(err, commandqueue.ErrDuplicate):
		logger.Info().Msg("Skipping redelivered message")
		return
	case err != nil:
		logger.Error().Err(err).Msg("Failed to process message")
		return
	}

	if response == "" || !opts.SendResponse {
		return
	}
	if err := l.bus.PublishOutbound(ctx, bus.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: response,
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to publish response")
	}
}

// sessionLogger returns the request-scoped logger for a turn.
func (l *AgentLoop) sessionLogger(ctx context.Context) zerolog.Logger {
	return tracing.LoggerFromContext(ctx, l.logger)
}
