package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/clawloop/internal/config"
	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/internal/tracing"
	"github.com/harun/clawloop/pkg/agent"
	"github.com/harun/clawloop/pkg/bus"
	"github.com/harun/clawloop/pkg/channels"
	"github.com/harun/clawloop/pkg/commandqueue"
	"github.com/harun/clawloop/pkg/credential"
	"github.com/harun/clawloop/pkg/llm"
	"github.com/harun/clawloop/pkg/session"
	"github.com/harun/clawloop/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

var _ llm.CredentialSource = (*credential.Store)(nil)

// initializeCoreModules builds every component in dependency order. Nothing
// is started here.
func (d *Daemon) initializeCoreModules() error {
	if err := os.MkdirAll(d.config.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := d.initializeTracing(); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without span export")
	}

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.log.Warn().Err(err).Msg("Failed to initialize audit logger, audit events are discarded")
	}

	if err := d.initializeCredentials(); err != nil {
		return err
	}

	sessions, err := newSessionManager(d.config.Session, d.logger.Component("session"))
	if err != nil {
		return err
	}
	d.sessions = sessions
	d.log.Info().Str("backend", sessions.Backend().Name()).Msg("Session manager initialized")

	if d.config.Session.CleanupSchedule != "" {
		janitor, err := session.NewJanitor(sessions, session.JanitorConfig{
			Schedule:   d.config.Session.CleanupSchedule,
			MaxIdle:    d.config.Session.MaxIdle,
			EvictAfter: d.config.Session.EvictAfter,
			Logger:     d.logger.Component("janitor"),
		})
		if err != nil {
			return err
		}
		d.janitor = janitor
	}

	registry, err := d.buildAgents()
	if err != nil {
		return err
	}

	d.bus = bus.New(bus.DefaultBufferSize)
	d.queue = commandqueue.New(commandqueue.Config{Logger: d.logger.Component("commandqueue")})
	loop, err := agent.NewAgentLoop(agent.LoopConfig{
		Bus:                d.bus,
		Registry:           registry,
		Queue:              d.queue,
		Logger:             d.logger.Component("agent"),
		SummarizeThreshold: d.config.Session.SummarizeThreshold,
		KeepRecent:         d.config.Session.KeepRecent,
		QueueWarnAfter:     30 * time.Second,
	})
	if err != nil {
		return err
	}
	d.loop = loop
	d.channels = channels.NewRegistry(d.bus, d.logger.Component("channels"))

	d.log.Info().Strs("agents", registry.ListAgentIDs()).Str("default", registry.GetDefaultAgent().ID).Msg("Agents initialized")
	return nil
}

func (d *Daemon) initializeTracing() error {
	if !d.config.Tracing.Enabled {
		return nil
	}
	path := filepath.Join(d.config.DataDir, "traces.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := tracing.InitOpenTelemetry(tracing.Config{ServiceName: d.config.Tracing.ServiceName, Writer: f}); err != nil {
		_ = f.Close()
		return err
	}
	d.traceFile = f
	d.tracingEnabled = true
	d.log.Info().Str("path", path).Msg("Tracing initialized")
	return nil
}

func (d *Daemon) initializeCredentials() error {
	cc := d.config.Credentials
	store, err := credential.NewStore(credential.StoreConfig{
		Dir:           cc.Dir,
		RefreshBuffer: cc.RefreshBuffer,
		Refresher:     credential.NewOAuthRefresher(credential.RefresherConfig{TokenURL: cc.TokenURL, ClientID: cc.ClientID}),
		Logger:        d.logger.Component("credential"),
	})
	if err != nil {
		return fmt.Errorf("failed to open credential store: %w", err)
	}
	d.creds = store

	if cc.Watch {
		watcher, err := credential.NewWatcher(store, credential.WatcherConfig{
			Logger: d.logger.Component("credential"),
			OnReload: func() {
				d.log.Info().Strs("providers", store.ListProviders()).Msg("Credentials reloaded")
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create credential watcher: %w", err)
		}
		d.watcher = watcher
	}
	return nil
}

// newSessionManager opens the configured backend.
func newSessionManager(cfg config.SessionConfig, logger zerolog.Logger) (*session.Manager, error) {
	var backend session.Backend
	switch cfg.Backend {
	case config.BackendMemory:
		backend = session.NewMemoryBackend()
	case config.BackendFile, "":
		fb, err := session.NewFileBackend(cfg.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open session directory: %w", err)
		}
		backend = fb
	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
		sb, err := session.NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite sessions: %w", err)
		}
		backend = sb
	case config.BackendRedis:
		rb := session.NewRedisBackend(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			TTL:      cfg.Redis.TTL,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rb.Ping(ctx); err != nil {
			_ = rb.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Redis.Addr, err)
		}
		backend = rb
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
	return session.NewManager(backend, session.ManagerConfig{Logger: logger}), nil
}

// providerSettings merges provider config with API keys saved through
// `clawloop auth set-key`. Config values win.
func (d *Daemon) providerSettings() map[string]llm.ProviderSettings {
	out := make(map[string]llm.ProviderSettings, len(d.config.Providers))
	for name, p := range d.config.Providers {
		out[name] = llm.ProviderSettings{APIKey: p.APIKey, APIBase: p.APIBase}
	}
	for _, name := range d.creds.ListProviders() {
		c, ok := d.creds.Get(name)
		if !ok || c.AuthType != credential.AuthAPIKey {
			continue
		}
		s := out[name]
		if s.APIKey == "" {
			s.APIKey = c.APIKey
			out[name] = s
		}
	}
	return out
}

func (d *Daemon) buildAgents() (*agent.Registry, error) {
	models := make([]llm.ModelEntry, 0, len(d.config.ModelList))
	for _, m := range d.config.ModelList {
		models = append(models, llm.ModelEntry{
			ModelName: m.ModelName,
			Model:     m.Model,
			APIKey:    m.APIKey,
			APIBase:   m.APIBase,
			Protocol:  m.Protocol,
		})
	}
	retry := llm.DefaultRetryPolicy()
	if d.config.Retry.MaxRetries > 0 || d.config.Retry.BaseDelay > 0 {
		retry = llm.RetryPolicy{MaxRetries: d.config.Retry.MaxRetries, BaseDelay: d.config.Retry.BaseDelay}
	}
	factory := llm.NewFactory(llm.FactoryConfig{
		ModelList:   models,
		Providers:   d.providerSettings(),
		Credentials: d.creds,
		HTTPClient:  d.httpClient,
		Retry:       retry,
		Logger:      d.logger.Component("llm"),
	})

	instances := make([]*agent.Instance, 0, len(d.config.Agents))
	for _, ac := range d.config.Agents {
		provider, model, err := factory.Create(ac.Model)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}

		tools := toolexecutor.New(toolexecutor.Config{
			Timeout:        d.config.Tools.Timeout,
			MaxOutputBytes: d.config.Tools.MaxOutputBytes,
			Policy:         ac.Tools,
			Logger:         d.logger.Component("toolexecutor"),
		})
		if err := toolexecutor.RegisterBuiltins(tools, toolexecutor.BuiltinConfig{
			WebFetch:   d.config.Tools.WebFetch,
			HTTPClient: d.httpClient,
		}); err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.ID, err)
		}

		maxTokens := ac.MaxTokens
		if maxTokens == 0 {
			maxTokens = agent.DefaultMaxTokens
		}
		instances = append(instances, &agent.Instance{
			ID:             ac.ID,
			Name:           ac.Name,
			Model:          model,
			MaxIterations:  ac.MaxIterations,
			MaxTokens:      maxTokens,
			Temperature:    ac.Temperature,
			Provider:       provider,
			Tools:          tools,
			Sessions:       d.sessions,
			ContextBuilder: &agent.DefaultContextBuilder{SystemPrompt: ac.SystemPrompt},
		})
	}

	bindings := make([]agent.Binding, 0, len(d.config.Bindings))
	for _, b := range d.config.Bindings {
		bindings = append(bindings, agent.Binding{AgentID: b.AgentID, Channel: b.Channel, AccountID: b.AccountID})
	}

	defaultID := ""
	if def := d.config.DefaultAgent(); def != nil {
		defaultID = def.ID
	}
	return agent.NewRegistry(defaultID, bindings, instances...)
}

func newMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
