package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "clawloop/session"

type entry struct {
	mu      sync.Mutex
	loaded  bool
	dirty   bool
	removed bool
	session *Session
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

// Manager caches sessions in memory and persists them through a Backend.
type Manager struct {
	backend Backend
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, cfg ManagerConfig) *Manager {
	observability.EnsureRegistered()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		backend: backend,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(map[string]*entry),
	}
}

// Backend returns the persistence backend.
func (m *Manager) Backend() Backend {
	return m.backend
}

// acquire returns the locked entry for key, loading it from the backend on
// first use. Callers must unlock e.mu.
func (m *Manager) acquire(ctx context.Context, key string) (*entry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var e *entry
	for {
		m.mu.Lock()
		cur, ok := m.entries[key]
		if !ok {
			cur = &entry{}
			m.entries[key] = cur
		}
		active := len(m.entries)
		m.mu.Unlock()
		observability.SetActiveSessions(active)

		cur.mu.Lock()
		if !cur.removed {
			e = cur
			break
		}
		// evicted or deleted while we waited
		cur.mu.Unlock()
	}
	if e.loaded {
		return e, nil
	}

	start := time.Now()
	s, err := m.backend.Load(ctx, key)
	observability.RecordSessionLoad(m.backend.Name(), time.Since(start))
	switch {
	case errors.Is(err, ErrNotFound):
		now := m.now()
		s = &Session{Key: key, Created: now, Updated: now}
	case err != nil:
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to load session %s: %w", key, err)
	}
	e.session = s
	e.loaded = true
	return e, nil
}

func (m *Manager) mutate(ctx context.Context, key string, fn func(s *Session)) error {
	e, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	fn(e.session)
	e.session.Updated = m.now()
	e.dirty = true
	return nil
}

// GetHistory returns a copy of the session's messages.
func (m *Manager) GetHistory(ctx context.Context, key string) ([]llm.Message, error) {
	e, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return llm.CloneMessages(e.session.Messages), nil
}

// GetSummary returns the session's running summary, or "".
func (m *Manager) GetSummary(ctx context.Context, key string) (string, error) {
	e, err := m.acquire(ctx, key)
	if err != nil {
		return "", err
	}
	defer e.mu.Unlock()
	return e.session.Summary, nil
}

// AddMessage appends a plain text message.
func (m *Manager) AddMessage(ctx context.Context, key, role, content string) error {
	return m.AddFullMessage(ctx, key, llm.Message{Role: role, Content: content})
}

// AddFullMessage appends msg, including tool calls or tool_call_id.
func (m *Manager) AddFullMessage(ctx context.Context, key string, msg llm.Message) error {
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	msg = msg.Clone()
	return m.mutate(ctx, key, func(s *Session) {
		s.Messages = append(s.Messages, msg)
	})
}

// SetHistory replaces the session's messages.
func (m *Manager) SetHistory(ctx context.Context, key string, history []llm.Message) error {
	history = llm.CloneMessages(history)
	return m.mutate(ctx, key, func(s *Session) {
		s.Messages = history
	})
}

// SetSummary replaces the session's running summary.
func (m *Manager) SetSummary(ctx context.Context, key, summary string) error {
	return m.mutate(ctx, key, func(s *Session) {
		s.Summary = summary
	})
}

// Save persists the session through the backend.
func (m *Manager) Save(ctx context.Context, key string) (err error) {
	ctx = tracing.WithSessionKey(ctx, key)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.save",
		attribute.String("session_key", key),
		attribute.String("backend", m.backend.Name()),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	e, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	start := time.Now()
	err = m.backend.Persist(ctx, e.session.Clone())
	observability.RecordSessionSave(m.backend.Name(), time.Since(start))
	if err != nil {
		return fmt.Errorf("failed to persist session %s: %w", key, err)
	}
	e.dirty = false

	logger.Debug().
		Int("messages", len(e.session.Messages)).
		Bool("has_summary", e.session.Summary != "").
		Msg("Session saved")
	return nil
}

// Delete drops the session from memory and from the backend.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if ok {
		// wait for in-flight mutations
		e.mu.Lock()
		defer e.mu.Unlock()
	}

	if err := m.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	if ok {
		e.removed = true
	}

	m.mu.Lock()
	if ok && m.entries[key] == e {
		delete(m.entries, key)
	}
	active := len(m.entries)
	m.mu.Unlock()
	observability.SetActiveSessions(active)

	m.logger.Info().Str("session_key", key).Msg("Session deleted")
	return nil
}

// Evict drops cached sessions that were saved and have not changed since
// cutoff. It returns the number of evicted sessions.
func (m *Manager) Evict(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, e := range m.entries {
		if !e.mu.TryLock() {
			continue
		}
		if e.loaded && !e.dirty && e.session.Updated.Before(cutoff) {
			e.removed = true
			delete(m.entries, key)
			evicted++
		}
		e.mu.Unlock()
	}
	observability.SetActiveSessions(len(m.entries))
	return evicted
}

// busySince reports whether the cached copy of key is in use, unsaved, or
// changed at or after cutoff.
func (m *Manager) busySince(key string, cutoff time.Time) bool {
	m.mu.Lock()
	e, ok := m.entries[key]
	m.mu.Unlock()
	if !ok {
		return false
	}
	if !e.mu.TryLock() {
		return true
	}
	defer e.mu.Unlock()
	return e.dirty || (e.loaded && !e.session.Updated.Before(cutoff))
}

// Cached reports how many sessions are held in memory.
func (m *Manager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// List returns the sessions known to the backend.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	return m.backend.List(ctx)
}

// Close flushes dirty sessions and closes the backend.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	cached := make(map[string]*entry, len(m.entries))
	for key, e := range m.entries {
		cached[key] = e
	}
	m.mu.Unlock()

	var keys []string
	for key, e := range cached {
		e.mu.Lock()
		if e.dirty {
			keys = append(keys, key)
		}
		e.mu.Unlock()
	}

	var errs []error
	for _, key := range keys {
		if err := m.Save(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	if err := m.backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close %s backend: %w", m.backend.Name(), err))
	}
	m.logger.Info().Int("flushed", len(keys)).Msg("Session manager closed")
	return errors.Join(errs...)
}
