package channels

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawloop/pkg/bus"
	"github.com/rs/zerolog"
)

// Registry stores registered channels, publishes their input to the bus and
// routes outbound replies back to them.
type Registry struct {
	bus    *bus.MessageBus
	logger zerolog.Logger

	mu       sync.RWMutex
	channels map[string]Channel
	started  map[string]bool
}

// NewRegistry constructs a channel registry on top of b.
func NewRegistry(b *bus.MessageBus, logger zerolog.Logger) *Registry {
	return &Registry{
		bus:      b,
		logger:   logger,
		channels: make(map[string]Channel),
		started:  make(map[string]bool),
	}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) error {
	if ch == nil {
		return fmt.Errorf("channel is required")
	}

	name := strings.TrimSpace(ch.Name())
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}

	r.channels[name] = ch
	return nil
}

// IsRegistered returns true when channel exists in the registry.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[strings.TrimSpace(name)]
	return ok
}

// Names returns sorted registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[strings.TrimSpace(name)]
	return ch, ok
}

// Publish validates an inbound message and queues it on the bus.
func (r *Registry) Publish(ctx context.Context, msg bus.InboundMessage) error {
	msg.Channel = strings.TrimSpace(msg.Channel)
	if msg.Channel == "" {
		return fmt.Errorf("channel is required")
	}
	if !r.IsRegistered(msg.Channel) {
		return fmt.Errorf("channel %q is not registered", msg.Channel)
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return r.bus.PublishInbound(ctx, msg)
}

// RunOutbound delivers outbound messages to their channels until ctx ends or
// the bus closes. Delivery errors are logged and do not stop the loop.
func (r *Registry) RunOutbound(ctx context.Context) {
	for {
		msg, ok := r.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, found := r.get(msg.Channel)
		if !found {
			r.logger.Warn().Str("channel", msg.Channel).Str("chat_id", msg.ChatID).Msg("Dropping reply for unknown channel")
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			r.logger.Error().Err(err).Str("channel", msg.Channel).Str("chat_id", msg.ChatID).Msg("Failed to deliver reply")
		}
	}
}

// StartAll starts all registered channels.
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		if err := r.Start(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops all registered channels.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	names := r.Names()
	for i := len(names) - 1; i >= 0; i-- {
		if err := r.Stop(ctx, names[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start starts a registered channel by name.
func (r *Registry) Start(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Start(ctx, r.Publish); err != nil {
		return fmt.Errorf("failed to start channel %q: %w", name, err)
	}

	r.mu.Lock()
	r.started[name] = true
	r.mu.Unlock()

	r.logger.Info().Str("channel", name).Msg("Channel started")
	return nil
}

// Stop stops a registered channel by name.
func (r *Registry) Stop(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("channel name is required")
	}

	r.mu.Lock()
	ch, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("channel %q is not registered", name)
	}
	if !r.started[name] {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if err := ch.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop channel %q: %w", name, err)
	}

	r.mu.Lock()
	delete(r.started, name)
	r.mu.Unlock()

	return nil
}
