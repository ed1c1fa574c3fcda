package daemon

import (
	"context"
	"time"

	"github.com/harun/clawloop/internal/observability"
)

const defaultMaintenanceInterval = 30 * time.Second

// EventLoop runs periodic maintenance while the daemon serves.
type EventLoop struct {
	daemon   *Daemon
	interval time.Duration
}

// NewEventLoop creates a new event loop; interval defaults to 30s.
func NewEventLoop(d *Daemon, interval time.Duration) *EventLoop {
	if interval <= 0 {
		interval = defaultMaintenanceInterval
	}
	return &EventLoop{
		daemon:   d,
		interval: interval,
	}
}

// Run runs maintenance on every tick until ctx ends.
func (e *EventLoop) Run(ctx context.Context) {
	e.daemon.log.Debug().Dur("interval", e.interval).Msg("Event loop started")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.daemon.log.Debug().Msg("Event loop stopping")
			return
		case <-ticker.C:
			e.processTasks()
		}
	}
}

// processTasks publishes gauges and logs busy session lanes.
func (e *EventLoop) processTasks() {
	cached := e.daemon.sessions.Cached()
	observability.SetActiveSessions(cached)

	lanes := e.daemon.queue.Lanes()
	if lanes > 0 {
		e.daemon.log.Debug().
			Int("lanes", lanes).
			Int("cached_sessions", cached).
			Msg("Queue stats")
	}
}
