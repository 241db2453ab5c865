package config

import "time"

// Config is the itinerant.yaml file. Durations are in milliseconds to match
// the option names the job system documents.
type Config struct {
	// BaseURL is the job system, e.g. "https://api.example.com".
	BaseURL string `yaml:"base_url"`
	// Token is sent as a bearer token on every request.
	Token string `yaml:"token,omitempty"`
	// Transport selects the stream adapter: "sse" or "websocket".
	Transport string `yaml:"transport"`

	PollingIntervalMs    int     `yaml:"polling_interval_ms"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	ReconnectBaseMs      int     `yaml:"reconnect_base_ms"`
	ReconnectCapMs       int     `yaml:"reconnect_cap_ms"`
	MaxTimeoutMs         int     `yaml:"max_timeout_ms"`
	AnimatorStepPerTick  float64 `yaml:"animator_step_per_tick"`
	AnimatorTickMs       int     `yaml:"animator_tick_ms"`
	MessageRotationMs    int     `yaml:"message_rotation_ms"`
	CompletionSettleMs   int     `yaml:"completion_settle_ms"`

	// ManualContinueThreshold is the progress at which a manual continue
	// is offered. Zero disables it.
	ManualContinueThreshold int `yaml:"manual_continue_threshold"`

	LogLevel string `yaml:"log_level"`
	// StatusAddr, when set, serves the session view over HTTP.
	StatusAddr string `yaml:"status_addr,omitempty"`
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// PollingInterval returns the poll cadence.
func (c *Config) PollingInterval() time.Duration { return ms(c.PollingIntervalMs) }

// ReconnectBase returns the first reconnect delay.
func (c *Config) ReconnectBase() time.Duration { return ms(c.ReconnectBaseMs) }

// ReconnectCap returns the largest reconnect delay.
func (c *Config) ReconnectCap() time.Duration { return ms(c.ReconnectCapMs) }

// MaxTimeout returns the session ceiling.
func (c *Config) MaxTimeout() time.Duration { return ms(c.MaxTimeoutMs) }

// AnimatorTick returns the animator cadence.
func (c *Config) AnimatorTick() time.Duration { return ms(c.AnimatorTickMs) }

// MessageRotation returns the stage message cadence.
func (c *Config) MessageRotation() time.Duration { return ms(c.MessageRotationMs) }

// CompletionSettle returns the delay before onComplete.
func (c *Config) CompletionSettle() time.Duration { return ms(c.CompletionSettleMs) }
