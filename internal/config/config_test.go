package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Len(t, cfg.Agents, 1)
	assert.Equal(t, "main", cfg.Agents[0].ID)
	assert.Equal(t, 10, cfg.Agents[0].MaxIterations)
	assert.True(t, cfg.Agents[0].Default)
	assert.Equal(t, BackendFile, cfg.Session.Backend)
	assert.Equal(t, "@hourly", cfg.Session.CleanupSchedule)
	assert.Equal(t, 20, cfg.Session.SummarizeThreshold)
	assert.Equal(t, 4, cfg.Session.KeepRecent)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultAgent(t *testing.T) {
	cfg := &Config{Agents: []AgentConfig{{ID: "a"}, {ID: "b", Default: true}}}
	assert.Equal(t, "b", cfg.DefaultAgent().ID)

	cfg.Agents[1].Default = false
	assert.Equal(t, "a", cfg.DefaultAgent().ID)

	assert.Nil(t, (&Config{}).DefaultAgent())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"missing id", func(c *Config) { c.Agents[0].ID = "" }, "id is required"},
		{"duplicate id", func(c *Config) { c.Agents = append(c.Agents, c.Agents[0]) }, "duplicate agent id"},
		{"two defaults", func(c *Config) {
			c.Agents = append(c.Agents, AgentConfig{ID: "other", Default: true})
		}, "only one agent"},
		{"binding to unknown agent", func(c *Config) {
			c.Bindings = []BindingConfig{{AgentID: "ghost", Channel: "cli"}}
		}, "unknown agent"},
		{"binding without channel", func(c *Config) {
			c.Bindings = []BindingConfig{{AgentID: "main"}}
		}, "channel is required"},
		{"incomplete model entry", func(c *Config) {
			c.ModelList = []ModelEntryConfig{{ModelName: "fast"}}
		}, "model_name and model are required"},
		{"temperature out of range", func(c *Config) { c.Agents[0].Temperature = 2.5 }, "temperature"},
		{"bad backend", func(c *Config) { c.Session.Backend = "mongo" }, "invalid session backend"},
		{"bad cron", func(c *Config) { c.Session.CleanupSchedule = "every day" }, "invalid cron spec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if assert.Error(t, err) {
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	str := cfg.String()

	assert.Contains(t, str, `"agents"`)
	assert.Contains(t, str, `"session"`)
	assert.Contains(t, str, `"backend": "file"`)
}
