package commandqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(50 * time.Millisecond)
	cache.Stop()

	select {
	case <-cache.done:
	case <-time.After(1 * time.Second):
		t.Fatalf("dedup cache cleanup did not stop within timeout")
	}
	assert.NotPanics(t, cache.Stop)
}

func TestDedupCache_SeenWithinTTL(t *testing.T) {
	cache := newDedupCache(time.Minute)
	defer cache.Stop()

	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }

	assert.False(t, cache.Seen("msg-1"))
	assert.True(t, cache.Seen("msg-1"))
	assert.False(t, cache.Seen("msg-2"))

	now = now.Add(2 * time.Minute)
	assert.False(t, cache.Seen("msg-1"), "expired ids are accepted again")
}

func TestDedupCache_Prune(t *testing.T) {
	cache := newDedupCache(time.Minute)
	defer cache.Stop()

	now := time.Unix(1_700_000_000, 0)
	cache.now = func() time.Time { return now }
	cache.Seen("old")
	now = now.Add(30 * time.Second)
	cache.Seen("new")
	now = now.Add(45 * time.Second)

	cache.prune()
	assert.Equal(t, 1, cache.Size())
}
