package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/harun/clawloop/internal/logger"
	"github.com/harun/clawloop/pkg/toolexecutor"
)

// Session backends.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config represents the main clawloop configuration
type Config struct {
	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Routing of channels and accounts to agents
	Bindings []BindingConfig `json:"bindings" mapstructure:"bindings"`

	// Explicit model aliases
	ModelList []ModelEntryConfig `json:"model_list" mapstructure:"model_list"`

	// Provider keys and endpoints, keyed by provider name
	Providers map[string]ProviderConfig `json:"providers" mapstructure:"providers"`

	Session     SessionConfig     `json:"session" mapstructure:"session"`
	Credentials CredentialsConfig `json:"credentials" mapstructure:"credentials"`
	Tools       ToolsConfig       `json:"tools" mapstructure:"tools"`
	Retry       RetryConfig       `json:"retry" mapstructure:"retry"`

	// Logging
	Logging logger.Config `json:"logging" mapstructure:"logging"`

	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID            string                   `json:"id" mapstructure:"id"`
	Name          string                   `json:"name" mapstructure:"name"`
	Model         string                   `json:"model" mapstructure:"model"`
	MaxIterations int                      `json:"max_iterations" mapstructure:"max_iterations"`
	MaxTokens     int                      `json:"max_tokens" mapstructure:"max_tokens"`
	Temperature   float64                  `json:"temperature" mapstructure:"temperature"`
	SystemPrompt  string                   `json:"system_prompt" mapstructure:"system_prompt"`
	Default       bool                     `json:"default" mapstructure:"default"`
	Tools         *toolexecutor.ToolPolicy `json:"tools,omitempty" mapstructure:"tools"`
}

// BindingConfig routes a channel, or one account on it, to an agent.
type BindingConfig struct {
	AgentID   string `json:"agent_id" mapstructure:"agent_id"`
	Channel   string `json:"channel" mapstructure:"channel"`
	AccountID string `json:"account_id,omitempty" mapstructure:"account_id"`
}

// ModelEntryConfig maps a model name onto a backend model.
type ModelEntryConfig struct {
	ModelName string `json:"model_name" mapstructure:"model_name"`
	Model     string `json:"model" mapstructure:"model"`
	APIKey    string `json:"api_key,omitempty" mapstructure:"api_key"`
	APIBase   string `json:"api_base,omitempty" mapstructure:"api_base"`
	Protocol  string `json:"protocol,omitempty" mapstructure:"protocol"` // openai, anthropic, responses, codex
}

// ProviderConfig holds credentials for one provider.
type ProviderConfig struct {
	APIKey  string `json:"api_key,omitempty" mapstructure:"api_key"`
	APIBase string `json:"api_base,omitempty" mapstructure:"api_base"`
}

// SessionConfig selects where conversations are persisted.
type SessionConfig struct {
	Backend         string        `json:"backend" mapstructure:"backend"` // file, sqlite, redis, memory
	Dir             string        `json:"dir,omitempty" mapstructure:"dir"`
	SQLitePath      string        `json:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	Redis           RedisConfig   `json:"redis" mapstructure:"redis"`
	CleanupSchedule string        `json:"cleanup_schedule" mapstructure:"cleanup_schedule"` // cron spec
	MaxIdle         time.Duration `json:"max_idle" mapstructure:"max_idle"`
	EvictAfter      time.Duration `json:"evict_after" mapstructure:"evict_after"`

	// Summarization
	SummarizeThreshold int `json:"summarize_threshold" mapstructure:"summarize_threshold"`
	KeepRecent         int `json:"keep_recent" mapstructure:"keep_recent"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string        `json:"addr" mapstructure:"addr"`
	Password string        `json:"password,omitempty" mapstructure:"password"`
	DB       int           `json:"db" mapstructure:"db"`
	Prefix   string        `json:"prefix" mapstructure:"prefix"`
	TTL      time.Duration `json:"ttl" mapstructure:"ttl"`
}

// CredentialsConfig configures the credential store.
type CredentialsConfig struct {
	Dir           string        `json:"dir,omitempty" mapstructure:"dir"`
	RefreshBuffer time.Duration `json:"refresh_buffer" mapstructure:"refresh_buffer"`
	Watch         bool          `json:"watch" mapstructure:"watch"`
	TokenURL      string        `json:"token_url,omitempty" mapstructure:"token_url"`
	ClientID      string        `json:"client_id,omitempty" mapstructure:"client_id"`
}

// ToolsConfig holds tool configuration
type ToolsConfig struct {
	WebFetch       bool          `json:"web_fetch" mapstructure:"web_fetch"`
	Timeout        time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxOutputBytes int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// RetryConfig controls provider retries.
type RetryConfig struct {
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `json:"base_delay" mapstructure:"base_delay"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agents: []AgentConfig{
			{
				ID:            "main",
				Name:          "Main Agent",
				Model:         "claude-sonnet-4-5",
				MaxIterations: 10,
				MaxTokens:     8192,
				Temperature:   0.7,
				Default:       true,
			},
		},
		Providers: map[string]ProviderConfig{},
		Session: SessionConfig{
			Backend:            BackendFile,
			Redis:              RedisConfig{Addr: "localhost:6379", Prefix: "clawloop:session:"},
			CleanupSchedule:    "@hourly",
			MaxIdle:            30 * 24 * time.Hour,
			EvictAfter:         time.Hour,
			SummarizeThreshold: 20,
			KeepRecent:         4,
		},
		Credentials: CredentialsConfig{
			RefreshBuffer: 5 * time.Minute,
			Watch:         true,
		},
		Tools: ToolsConfig{
			WebFetch:       true,
			Timeout:        30 * time.Second,
			MaxOutputBytes: 64 * 1024,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
		},
		Logging: logger.DefaultConfig(),
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9090",
		},
		Tracing: TracingConfig{
			ServiceName: "clawloop",
		},
	}
}

// DefaultAgent returns the agent marked default, or the first one.
func (c *Config) DefaultAgent() *AgentConfig {
	for i := range c.Agents {
		if c.Agents[i].Default {
			return &c.Agents[i]
		}
	}
	if len(c.Agents) > 0 {
		return &c.Agents[0]
	}
	return nil
}

// String returns the config as indented JSON
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	ids := make(map[string]bool, len(c.Agents))
	defaults := 0
	for i, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if ids[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		ids[a.ID] = true
		if a.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return fmt.Errorf("only one agent can be marked default")
	}

	for i, b := range c.Bindings {
		if !ids[b.AgentID] {
			return fmt.Errorf("bindings[%d]: unknown agent %q", i, b.AgentID)
		}
		if b.Channel == "" {
			return fmt.Errorf("bindings[%d]: channel is required", i)
		}
	}

	for i, m := range c.ModelList {
		if m.ModelName == "" || m.Model == "" {
			return fmt.Errorf("model_list[%d]: model_name and model are required", i)
		}
	}

	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	return nil
}
