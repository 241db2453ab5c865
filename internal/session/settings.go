package session

import (
	"time"

	"github.com/thruflo/itinerant/internal/animator"
	"github.com/thruflo/itinerant/internal/config"
	"github.com/thruflo/itinerant/internal/gate"
	"github.com/thruflo/itinerant/internal/reconnect"
)

// Settings holds the timing and bounds of one session.
type Settings struct {
	PollingInterval      time.Duration
	MaxReconnectAttempts int
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxTimeout           time.Duration
	AnimatorStep         float64
	AnimatorTick         time.Duration
	MessageRotation      time.Duration
	CompletionSettle     time.Duration
	ContinueThreshold    int
}

// DefaultSettings mirrors config.DefaultConfig.
func DefaultSettings() Settings {
	cfg := config.DefaultConfig()
	return SettingsFromConfig(&cfg)
}

// SettingsFromConfig converts a validated config.
func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PollingInterval:      cfg.PollingInterval(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectBase:        cfg.ReconnectBase(),
		ReconnectCap:         cfg.ReconnectCap(),
		MaxTimeout:           cfg.MaxTimeout(),
		AnimatorStep:         cfg.AnimatorStepPerTick,
		AnimatorTick:         cfg.AnimatorTick(),
		MessageRotation:      cfg.MessageRotation(),
		CompletionSettle:     cfg.CompletionSettle(),
		ContinueThreshold:    cfg.ManualContinueThreshold,
	}
}

// withDefaults fills zero fields.
func (s Settings) withDefaults() Settings {
	if s.PollingInterval <= 0 {
		s.PollingInterval = config.DefaultPollingIntervalMs * time.Millisecond
	}
	if s.MaxReconnectAttempts <= 0 {
		s.MaxReconnectAttempts = reconnect.DefaultMaxAttempts
	}
	if s.ReconnectBase <= 0 {
		s.ReconnectBase = reconnect.DefaultBaseDelay
	}
	if s.ReconnectCap <= 0 {
		s.ReconnectCap = reconnect.DefaultMaxDelay
	}
	if s.MaxTimeout <= 0 {
		s.MaxTimeout = config.DefaultMaxTimeoutMs * time.Millisecond
	}
	if s.AnimatorStep <= 0 {
		s.AnimatorStep = animator.DefaultStep
	}
	if s.AnimatorTick <= 0 {
		s.AnimatorTick = config.DefaultAnimatorTickMs * time.Millisecond
	}
	if s.MessageRotation <= 0 {
		s.MessageRotation = config.DefaultMessageRotationMs * time.Millisecond
	}
	if s.CompletionSettle < 0 {
		s.CompletionSettle = gate.DefaultSettle
	}
	return s
}
