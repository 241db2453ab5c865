// Package reconnect owns a stream's lifecycle: it opens the channel, detects
// failures, backs off exponentially between attempts and gives up after a
// bounded number of consecutive failures. Giving up never ends the session;
// the poller keeps running.
package reconnect

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
	"github.com/thruflo/itinerant/internal/stream"
)

// Defaults for Supervisor options.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 10 * time.Second
)

// Phase is the connection phase.
type Phase string

const (
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseErrored      Phase = "errored"
	PhaseExhausted    Phase = "exhausted"
)

// ConnectionState is replaced wholesale on every transition.
type ConnectionState struct {
	// Attempt counts consecutive failures; it resets once a channel opens.
	Attempt int `json:"attempt"`
	Phase   Phase `json:"phase"`
	// NextRetryAt is set while backing off.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
	// Err is the last channel error, if any.
	Err string `json:"error,omitempty"`
}

// Exhausted reports whether the stream was abandoned.
func (c ConnectionState) Exhausted() bool {
	return c.Phase == PhaseExhausted
}

// Supervisor runs one Source for one job.
type Supervisor struct {
	source      stream.Source
	jobID       job.ID
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	onState     func(ConnectionState)
	logger      *logging.Logger

	retry chan struct{}

	mu    sync.Mutex
	state ConnectionState
	opens int
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithMaxAttempts bounds consecutive failures before giving up.
func WithMaxAttempts(n int) Option {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and cap of the exponential delay.
func WithBackoff(base, max time.Duration) Option {
	return func(s *Supervisor) {
		if base > 0 {
			s.baseDelay = base
		}
		if max > 0 {
			s.maxDelay = max
		}
	}
}

// WithStateHandler registers a callback for every transition. It runs on
// the supervisor's goroutine.
func WithStateHandler(fn func(ConnectionState)) Option {
	return func(s *Supervisor) {
		s.onState = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// New creates a Supervisor for source and jobID.
func New(source stream.Source, jobID job.ID, opts ...Option) *Supervisor {
	s := &Supervisor{
		source:      source,
		jobID:       jobID,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		logger:      logging.Default(),
		retry:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxDelay < s.baseDelay {
		s.maxDelay = s.baseDelay
	}
	return s
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opens returns how many times the source has been asked to open.
func (s *Supervisor) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens
}

// Retry restarts an exhausted supervisor with a fresh attempt budget. It is
// a no-op in any other phase.
func (s *Supervisor) Retry() {
	select {
	case s.retry <- struct{}{}:
	default:
	}
}

// newBackOff returns min(base * 2^attempt, cap) without jitter.
func (s *Supervisor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = s.maxDelay
	b.Reset()
	return b
}

// Run drives the state machine until ctx is canceled, delivering frames to
// h. It always returns nil.
func (s *Supervisor) Run(ctx context.Context, h stream.Handler) error {
	for {
		s.runAttempts(ctx, h)
		if ctx.Err() != nil {
			return nil
		}

		// Exhausted: wait for a manual retry.
		select {
		case <-ctx.Done():
			return nil
		case <-s.retry:
			s.logger.Info("manual stream retry", "job", string(s.jobID))
		}
	}
}

// runAttempts opens the stream until the failure budget is spent or ctx is
// canceled.
func (s *Supervisor) runAttempts(ctx context.Context, h stream.Handler) {
	bo := s.newBackOff()
	failures := 0

	// Drain a Retry issued before exhaustion.
	select {
	case <-s.retry:
	default:
	}

	for {
		s.publish(ConnectionState{Attempt: failures, Phase: PhaseConnecting})

		var opened bool
		wrapped := h
		wrapped.OnOpen = func() {
			opened = true
			failures = 0
			bo.Reset()
			s.publish(ConnectionState{Phase: PhaseConnected})
			if h.OnOpen != nil {
				h.OnOpen()
			}
		}

		s.mu.Lock()
		s.opens++
		s.mu.Unlock()

		err := s.source.Stream(ctx, s.jobID, wrapped)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = &job.ConnectionError{Op: "read", Err: stream.ErrStreamClosed}
		}

		failures++
		phase := PhaseErrored
		if opened {
			phase = PhaseDisconnected
		}

		if failures >= s.maxAttempts {
			metrics.StreamExhaustedTotal.Inc()
			s.logger.Warn("stream abandoned, continuing on status polls",
				"job", string(s.jobID), "attempts", failures, "error", err)
			s.publish(ConnectionState{Attempt: failures, Phase: PhaseExhausted, Err: err.Error()})
			return
		}

		delay := bo.NextBackOff()
		s.logger.Debug("stream failed, backing off",
			"job", string(s.jobID), "attempt", failures, "delay", delay.String(), "error", err)
		s.publish(ConnectionState{
			Attempt:     failures,
			Phase:       phase,
			NextRetryAt: time.Now().Add(delay),
			Err:         err.Error(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Supervisor) publish(cs ConnectionState) {
	s.mu.Lock()
	s.state = cs
	s.mu.Unlock()
	if s.onState != nil {
		s.onState(cs)
	}
}
