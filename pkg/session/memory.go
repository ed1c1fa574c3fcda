package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend keeps sessions in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{sessions: make(map[string]*Session)}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(_ context.Context, key string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (b *MemoryBackend) Persist(_ context.Context, s *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[s.Key] = s.Clone()
	return nil
}

func (b *MemoryBackend) List(_ context.Context) ([]Info, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Info, 0, len(b.sessions))
	for key, s := range b.sessions {
		out = append(out, Info{Key: key, Updated: s.Updated})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, key)
	return nil
}

func (b *MemoryBackend) Close() error { return nil }
