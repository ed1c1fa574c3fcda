// Package bus carries chat messages between channel adapters and the agent
// loop through buffered in-process queues.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultBufferSize = 64

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("message bus closed")

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	// ID identifies the delivery; PublishInbound assigns one when empty.
	ID         string
	Channel    string
	SenderID   string
	ChatID     string
	Content    string
	SessionKey string
	Metadata   map[string]string
	ReceivedAt time.Time
}

// OutboundMessage is a reply addressed to a channel chat.
type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
}

// MessageBus is a pair of buffered queues. Publishing blocks while a queue is
// full.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	once     sync.Once
}

// New creates a bus whose queues hold bufferSize messages each.
func New(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufferSize),
		outbound: make(chan OutboundMessage, bufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound queues a message for the agent loop.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	if msg.ID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return err
		}
		msg.ID = id
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	return publish(ctx, b.done, b.inbound, msg)
}

// ConsumeInbound waits for the next inbound message. ok is false when ctx
// ends or the bus is closed and drained.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	return consume(ctx, b.done, b.inbound)
}

// PublishOutbound queues a reply for channel adapters.
func (b *MessageBus) PublishOutbound(ctx context.Context, msg OutboundMessage) error {
	return publish(ctx, b.done, b.outbound, msg)
}

// SubscribeOutbound waits for the next reply. ok is false when ctx ends or
// the bus is closed and drained.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	return consume(ctx, b.done, b.outbound)
}

// Close stops accepting messages. Queued messages can still be consumed.
func (b *MessageBus) Close() {
	b.once.Do(func() { close(b.done) })
}

func publish[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, msg T) error {
	select {
	case <-done:
		return ErrClosed
	default:
	}
	select {
	case ch <- msg:
		return nil
	case <-done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func consume[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, bool) {
	select {
	case msg := <-ch:
		return msg, true
	case <-ctx.Done():
		var zero T
		return zero, false
	case <-done:
		select {
		case msg := <-ch:
			return msg, true
		default:
			var zero T
			return zero, false
		}
	}
}
