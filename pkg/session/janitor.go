package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/clawloop/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultJanitorSchedule = "@every 1h"
	DefaultMaxIdle         = 30 * 24 * time.Hour
	DefaultEvictAfter      = 30 * time.Minute
)

// JanitorConfig configures a Janitor. Zero values take the defaults above;
// a negative MaxIdle disables deletion.
type JanitorConfig struct {
	Schedule   string
	MaxIdle    time.Duration
	EvictAfter time.Duration
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Janitor periodically deletes sessions idle longer than MaxIdle and evicts
// saved sessions from the in-memory cache after EvictAfter.
type Janitor struct {
	manager *Manager
	cfg     JanitorConfig
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
}

// NewJanitor validates the schedule and returns a stopped janitor.
func NewJanitor(manager *Manager, cfg JanitorConfig) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultJanitorSchedule
	}
	if cfg.MaxIdle == 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.EvictAfter <= 0 {
		cfg.EvictAfter = DefaultEvictAfter
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}
	return &Janitor{manager: manager, cfg: cfg}, nil
}

// Start schedules the janitor.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return fmt.Errorf("janitor is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(context.Background()); err != nil {
			j.cfg.Logger.Error().Err(err).Msg("Session janitor run failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	c.Start()
	j.cron = c
	j.running = true

	j.cfg.Logger.Info().
		Str("schedule", j.cfg.Schedule).
		Dur("max_idle", j.cfg.MaxIdle).
		Dur("evict_after", j.cfg.EvictAfter).
		Msg("Session janitor started")
	return nil
}

// Stop unschedules the janitor and waits for a running pass to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
	j.cfg.Logger.Info().Msg("Session janitor stopped")
}

// RunOnce performs a single pass and returns how many sessions were deleted.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	now := j.cfg.Now()
	deleted := 0

	if j.cfg.MaxIdle > 0 {
		infos, err := j.manager.List(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to list sessions: %w", err)
		}
		cutoff := now.Add(-j.cfg.MaxIdle)
		for _, info := range infos {
			if !info.Updated.Before(cutoff) || j.manager.busySince(info.Key, cutoff) {
				continue
			}
			if err := j.manager.Delete(ctx, info.Key); err != nil {
				j.cfg.Logger.Warn().Str("session_key", info.Key).Err(err).Msg("Failed to delete idle session")
				continue
			}
			deleted++
		}
		observability.RecordSessionsPruned(deleted)
	}

	evicted := j.manager.Evict(now.Add(-j.cfg.EvictAfter))
	if deleted > 0 || evicted > 0 {
		j.cfg.Logger.Info().
			Int("deleted", deleted).
			Int("evicted", evicted).
			Msg("Session janitor pass complete")
	}
	return deleted, nil
}
