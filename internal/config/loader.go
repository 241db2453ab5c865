package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default values for Config.
const (
	DefaultTransport               = "sse"
	DefaultPollingIntervalMs       = 5000
	DefaultMaxReconnectAttempts    = 3
	DefaultReconnectBaseMs         = 1000
	DefaultReconnectCapMs          = 10000
	DefaultMaxTimeoutMs            = 300000
	DefaultAnimatorStepPerTick     = 2.0
	DefaultAnimatorTickMs          = 1000
	DefaultMessageRotationMs       = 4000
	DefaultCompletionSettleMs      = 1000
	DefaultManualContinueThreshold = 90
	DefaultLogLevel                = "warn"

	// DefaultConfigFile is looked up in the working directory.
	DefaultConfigFile = "itinerant.yaml"

	// EnvToken overrides the token from the config file.
	EnvToken = "ITINERANT_TOKEN"
)

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Transport:               DefaultTransport,
		PollingIntervalMs:       DefaultPollingIntervalMs,
		MaxReconnectAttempts:    DefaultMaxReconnectAttempts,
		ReconnectBaseMs:         DefaultReconnectBaseMs,
		ReconnectCapMs:          DefaultReconnectCapMs,
		MaxTimeoutMs:            DefaultMaxTimeoutMs,
		AnimatorStepPerTick:     DefaultAnimatorStepPerTick,
		AnimatorTickMs:          DefaultAnimatorTickMs,
		MessageRotationMs:       DefaultMessageRotationMs,
		CompletionSettleMs:      DefaultCompletionSettleMs,
		ManualContinueThreshold: DefaultManualContinueThreshold,
		LogLevel:                DefaultLogLevel,
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// LoadConfig reads and parses the config file at path.
// If the file doesn't exist, returns default config.
// Applies defaults for any missing fields. A non-empty ITINERANT_TOKEN
// overrides the file's token.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if token := os.Getenv(EnvToken); token != "" {
		cfg.Token = token
	}

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ValidateConfig checks that all config values are valid. BaseURL may be
// empty here; commands that need it check it themselves.
func ValidateConfig(cfg *Config) error {
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ValidationError{Field: "base_url", Message: "must be an absolute URL"}
		}
	}
	switch strings.ToLower(cfg.Transport) {
	case "sse", "websocket", "ws":
	default:
		return ValidationError{Field: "transport", Message: "must be sse or websocket"}
	}
	if cfg.PollingIntervalMs <= 0 {
		return ValidationError{Field: "polling_interval_ms", Message: "must be positive"}
	}
	if cfg.MaxReconnectAttempts <= 0 {
		return ValidationError{Field: "max_reconnect_attempts", Message: "must be positive"}
	}
	if cfg.ReconnectBaseMs <= 0 {
		return ValidationError{Field: "reconnect_base_ms", Message: "must be positive"}
	}
	if cfg.ReconnectCapMs < cfg.ReconnectBaseMs {
		return ValidationError{Field: "reconnect_cap_ms", Message: "must not be below reconnect_base_ms"}
	}
	if cfg.MaxTimeoutMs <= 0 {
		return ValidationError{Field: "max_timeout_ms", Message: "must be positive"}
	}
	if cfg.AnimatorStepPerTick <= 0 || cfg.AnimatorStepPerTick > 100 {
		return ValidationError{Field: "animator_step_per_tick", Message: "must be in (0, 100]"}
	}
	if cfg.AnimatorTickMs <= 0 {
		return ValidationError{Field: "animator_tick_ms", Message: "must be positive"}
	}
	if cfg.MessageRotationMs <= 0 {
		return ValidationError{Field: "message_rotation_ms", Message: "must be positive"}
	}
	if cfg.CompletionSettleMs < 0 {
		return ValidationError{Field: "completion_settle_ms", Message: "must not be negative"}
	}
	if cfg.ManualContinueThreshold < 0 || cfg.ManualContinueThreshold > 100 {
		return ValidationError{Field: "manual_continue_threshold", Message: "must be between 0 and 100"}
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return ValidationError{Field: "log_level", Message: "must be debug, info, warn or error"}
	}
	return nil
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}
