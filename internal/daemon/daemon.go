package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harun/clawloop/internal/config"
	"github.com/harun/clawloop/internal/logger"
	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/agent"
	"github.com/harun/clawloop/pkg/bus"
	"github.com/harun/clawloop/pkg/channels"
	"github.com/harun/clawloop/pkg/commandqueue"
	"github.com/harun/clawloop/pkg/credential"
	"github.com/harun/clawloop/pkg/session"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Daemon owns the runtime: credentials, sessions, agents, the message bus and
// the channels feeding it.
type Daemon struct {
	config *config.Config
	logger *logger.Logger
	log    zerolog.Logger

	creds    *credential.Store
	watcher  *credential.Watcher
	sessions *session.Manager
	janitor  *session.Janitor
	queue    *commandqueue.Queue
	bus      *bus.MessageBus
	loop     *agent.AgentLoop
	channels *channels.Registry

	httpClient *http.Client
	metrics    *http.Server
	metricsLn  net.Listener
	traceFile  *os.File

	eventLoop *EventLoop
	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	closed    bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithHTTPClient sets the client used for provider and web_fetch requests.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Daemon) { d.httpClient = c }
}

// New builds a daemon from cfg. Call Start to serve channels, or use
// ProcessDirect for one-shot turns; Close releases resources either way.
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil || log == nil {
		return nil, fmt.Errorf("config and logger are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		log:    log.Component("daemon"),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := d.initializeCoreModules(); err != nil {
		cancel()
		d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	d.eventLoop = NewEventLoop(d, 0)
	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// RegisterChannel adds a channel before Start.
func (d *Daemon) RegisterChannel(ch channels.Channel) error {
	return d.channels.Register(ch)
}

// ProcessDirect runs one turn on the default agent without the bus.
func (d *Daemon) ProcessDirect(ctx context.Context, content, sessionKey string) (string, error) {
	return d.loop.ProcessDirect(ctx, content, sessionKey)
}

// Start writes the PID file and starts background services and channels.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("daemon is closed")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	logger := d.log.With().Str("trace_id", tracing.NewTraceID()).Logger()
	logger.Info().Msg("Starting clawloop daemon")

	if err := d.start(); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		d.stopServices()
		return err
	}

	logger.Info().Strs("channels", d.channels.Names()).Msg("Daemon started")
	return nil
}

func (d *Daemon) start() error {
	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			d.log.Warn().Err(err).Msg("Failed to watch credentials file")
		}
	}

	if d.janitor != nil {
		if err := d.janitor.Start(); err != nil {
			return fmt.Errorf("failed to start session janitor: %w", err)
		}
	}

	if d.config.Metrics.Enabled {
		ln, err := net.Listen("tcp", d.config.Metrics.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on metrics address: %w", err)
		}
		d.metricsLn = ln
		d.metrics = newMetricsServer(d.config.Metrics.Addr)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		d.log.Info().Str("addr", ln.Addr().String()).Msg("Metrics server started")
	}

	d.wg.Add(3)
	go func() {
		defer d.wg.Done()
		if err := d.loop.Run(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error().Err(err).Msg("Agent loop stopped")
		}
	}()
	go func() {
		defer d.wg.Done()
		d.channels.RunOutbound(d.ctx)
	}()
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	if err := d.channels.StartAll(d.ctx); err != nil {
		return fmt.Errorf("failed to start channels: %w", err)
	}
	return nil
}

// Stop stops channels and background services, waits for in-flight turns
// and releases resources.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	d.log.Info().Msg("Stopping clawloop daemon")
	d.stopServices()
	if err := d.Close(); err != nil {
		return err
	}
	d.log.Info().Msg("Daemon stopped")
	return nil
}

func (d *Daemon) stopServices() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.channels.StopAll(ctx); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop channels")
	}

	d.loop.Stop()
	// queued turns finish before the context is cancelled
	if err := d.queue.Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close command queue")
	}
	d.cancel()

	if d.metrics != nil {
		if err := d.metrics.Shutdown(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop metrics server")
		}
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if d.janitor != nil {
		d.janitor.Stop()
	}
	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			d.log.Error().Err(err).Msg("Failed to stop credential watcher")
		}
	}
	if err := d.lifecycle.Stop(); err != nil {
		d.log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}
}

// Close flushes sessions and releases resources. It is called by Stop and
// must be called after one-shot use.
func (d *Daemon) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.bus != nil {
		d.bus.Close()
	}
	return d.release()
}

func (d *Daemon) release() error {
	var firstErr error
	if d.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := d.sessions.Close(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to close session manager")
			firstErr = err
		}
		cancel()
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.log.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}
	if d.traceFile != nil {
		_ = d.traceFile.Close()
		d.traceFile = nil
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		d.log.Error().Err(err).Msg("Failed to close audit logger")
	}
	return firstErr
}

// Status reports whether the daemon is running and for how long.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, or until done is closed, then stops
// the daemon.
func (d *Daemon) Wait(done <-chan struct{}) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		d.log.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-done:
		d.log.Info().Msg("Input closed")
	}
	return d.Stop()
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetCredentials returns the credential store
func (d *Daemon) GetCredentials() *credential.Store {
	return d.creds
}

// GetSessionManager returns the session manager
func (d *Daemon) GetSessionManager() *session.Manager {
	return d.sessions
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

// GetBus returns the message bus
func (d *Daemon) GetBus() *bus.MessageBus {
	return d.bus
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (d *Daemon) MetricsAddr() string {
	if d.metricsLn == nil {
		return ""
	}
	return d.metricsLn.Addr().String()
}
