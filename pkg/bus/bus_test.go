package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := New(4)
	ctx := context.Background()

	require.NoError(t, b.PublishInbound(ctx, InboundMessage{Channel: "cli", ChatID: "direct", Content: "one"}))
	require.NoError(t, b.PublishInbound(ctx, InboundMessage{Channel: "cli", ChatID: "direct", Content: "two"}))

	first, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "one", first.Content)
	assert.False(t, first.ReceivedAt.IsZero())
	assert.NotEmpty(t, first.ID)

	second, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "two", second.Content)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestMessageBus_KeepsCallerID(t *testing.T) {
	b := New(1)
	ctx := context.Background()

	require.NoError(t, b.PublishInbound(ctx, InboundMessage{ID: "upstream-7", Channel: "cli"}))
	msg, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "upstream-7", msg.ID)
}

func TestMessageBus_OutboundRoundTrip(t *testing.T) {
	b := New(1)
	ctx := context.Background()

	require.NoError(t, b.PublishOutbound(ctx, OutboundMessage{Channel: "cli", ChatID: "c", Content: "reply"}))
	msg, ok := b.SubscribeOutbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "reply", msg.Content)
}

func TestMessageBus_ConsumeRespectsContext(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, ok := b.ConsumeInbound(ctx)
	assert.False(t, ok)
}

func TestMessageBus_PublishBlocksWhenFull(t *testing.T) {
	b := New(1)
	require.NoError(t, b.PublishInbound(context.Background(), InboundMessage{Content: "fill"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := b.PublishInbound(ctx, InboundMessage{Content: "overflow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMessageBus_CloseDrainsThenStops(t *testing.T) {
	b := New(2)
	ctx := context.Background()
	require.NoError(t, b.PublishInbound(ctx, InboundMessage{Content: "queued"}))

	b.Close()
	b.Close()

	assert.ErrorIs(t, b.PublishInbound(ctx, InboundMessage{Content: "late"}), ErrClosed)
	assert.ErrorIs(t, b.PublishOutbound(ctx, OutboundMessage{Content: "late"}), ErrClosed)

	msg, ok := b.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, "queued", msg.Content)

	_, ok = b.ConsumeInbound(ctx)
	assert.False(t, ok)
}
