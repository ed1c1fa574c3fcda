package session

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisBackend(t *testing.T) *RedisBackend {
	t.Helper()
	addr := os.Getenv("CLAWLOOP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CLAWLOOP_TEST_REDIS_ADDR not set")
	}
	b := NewRedisBackend(RedisConfig{Addr: addr, Prefix: "clawloop-test:" + tracing.NewRunID() + ":"})
	require.NoError(t, b.Ping(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBackend_RoundTrip(t *testing.T) {
	b := setupRedisBackend(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Second)

	require.NoError(t, b.Persist(ctx, &Session{
		Key:      "s1",
		Summary:  "sum",
		Updated:  now,
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	}))

	s, err := b.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "sum", s.Summary)
	assert.Len(t, s.Messages, 1)

	infos, err := b.List(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.True(t, now.Equal(infos[0].Updated))

	require.NoError(t, b.Delete(ctx, "s1"))
	_, err = b.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}
