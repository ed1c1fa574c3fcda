package config

import (
	"fmt"
	"strings"

	"github.com/harun/clawloop/pkg/llm"
	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name. Any non-empty name is accepted
// since the provider factory resolves unknown names at startup.
func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if strings.HasSuffix(model, "/") {
		return fmt.Errorf("model %q has a provider prefix but no model", model)
	}
	return nil
}

// ValidateProtocol validates a model_list protocol.
func (v *Validator) ValidateProtocol(protocol string) error {
	switch protocol {
	case "", llm.ProtocolOpenAI, llm.ProtocolAnthropic, llm.ProtocolResponses, llm.ProtocolCodex:
		return nil
	}
	return fmt.Errorf("invalid protocol: %s (must be one of: %s)", protocol,
		strings.Join([]string{llm.ProtocolOpenAI, llm.ProtocolAnthropic, llm.ProtocolResponses, llm.ProtocolCodex}, ", "))
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateMaxIterations validates the per-turn iteration cap.
func (v *Validator) ValidateMaxIterations(n int) error {
	if n <= 0 {
		return fmt.Errorf("max iterations must be positive, got %d", n)
	}
	if n > 100 {
		return fmt.Errorf("max iterations too large (max 100), got %d", n)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSessionBackend validates the session backend name.
func (v *Validator) ValidateSessionBackend(backend string) error {
	validBackends := []string{BackendFile, BackendSQLite, BackendRedis, BackendMemory}
	for _, valid := range validBackends {
		if backend == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid session backend: %s (must be one of: %s)", backend, strings.Join(validBackends, ", "))
}

// ValidateCronSpec validates a standard cron expression or descriptor such
// as @hourly. An empty spec disables the job.
func (v *Validator) ValidateCronSpec(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for _, a := range cfg.Agents {
		if a.Model != "" {
			if err := v.ValidateModel(a.Model); err != nil {
				errors = append(errors, fmt.Errorf("agent %s: %w", a.ID, err))
			}
		}
		if err := v.ValidateTemperature(a.Temperature); err != nil {
			errors = append(errors, fmt.Errorf("agent %s: %w", a.ID, err))
		}
		if a.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(a.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %s: %w", a.ID, err))
			}
		}
		if a.MaxIterations != 0 {
			if err := v.ValidateMaxIterations(a.MaxIterations); err != nil {
				errors = append(errors, fmt.Errorf("agent %s: %w", a.ID, err))
			}
		}
	}

	for _, m := range cfg.ModelList {
		if err := v.ValidateProtocol(m.Protocol); err != nil {
			errors = append(errors, fmt.Errorf("model %s: %w", m.ModelName, err))
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateSessionBackend(cfg.Session.Backend); err != nil {
		errors = append(errors, err)
	}
	if cfg.Session.Backend == BackendRedis && cfg.Session.Redis.Addr == "" {
		errors = append(errors, fmt.Errorf("session.redis.addr is required for the redis backend"))
	}
	if err := v.ValidateCronSpec(cfg.Session.CleanupSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Session.MaxIdle < 0 {
		errors = append(errors, fmt.Errorf("session.max_idle must be >= 0"))
	}
	if cfg.Session.SummarizeThreshold < 0 || cfg.Session.KeepRecent < 0 {
		errors = append(errors, fmt.Errorf("session.summarize_threshold and session.keep_recent must be >= 0"))
	}

	if cfg.Credentials.RefreshBuffer < 0 {
		errors = append(errors, fmt.Errorf("credentials.refresh_buffer must be >= 0"))
	}
	if cfg.Tools.Timeout < 0 {
		errors = append(errors, fmt.Errorf("tools.timeout must be >= 0"))
	}
	if cfg.Retry.MaxRetries < 0 || cfg.Retry.BaseDelay < 0 {
		errors = append(errors, fmt.Errorf("retry.max_retries and retry.base_delay must be >= 0"))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errors = append(errors, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}

	return errors
}
