// Package channels connects chat transports to the message bus. Each Channel
// publishes what it receives as inbound messages and delivers the replies the
// registry routes back to it by channel name.
package channels

import (
	"context"

	"github.com/harun/clawloop/pkg/bus"
)

// PublishFunc hands an inbound message to the runtime.
type PublishFunc func(ctx context.Context, msg bus.InboundMessage) error

// Channel is a transport adapter (stdio, chat apps, ...).
type Channel interface {
	Name() string
	// Start begins reading input and must not block.
	Start(ctx context.Context, publish PublishFunc) error
	Stop(ctx context.Context) error
	// Send delivers a reply addressed to this channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error
}
