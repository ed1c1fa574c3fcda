package commandqueue

import (
	"sync"
	"time"
)

const defaultDedupTTL = 5 * time.Minute

// dedupCache remembers request ids for a bounded time
type dedupCache struct {
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
	mu      sync.Mutex

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newDedupCache(ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	dc := &dedupCache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go dc.cleanup()
	return dc
}

// Seen records id and reports whether it was already recorded within the
// ttl.
func (dc *dedupCache) Seen(id string) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	now := dc.now()
	if at, ok := dc.entries[id]; ok && now.Sub(at) <= dc.ttl {
		return true
	}
	dc.entries[id] = now
	return false
}

func (dc *dedupCache) Size() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.entries)
}

func (dc *dedupCache) Stop() {
	dc.stopOnce.Do(func() { close(dc.stop) })
}

func (dc *dedupCache) cleanup() {
	defer close(dc.done)

	interval := dc.ttl
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-dc.stop:
			return
		case <-ticker.C:
			dc.prune()
		}
	}
}

func (dc *dedupCache) prune() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	now := dc.now()
	for id, at := range dc.entries {
		if now.Sub(at) > dc.ttl {
			delete(dc.entries, id)
		}
	}
}
