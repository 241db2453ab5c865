// Package gate guarantees that a session's terminal callback fires exactly
// once, whichever completion or failure signal arrives first.
package gate

import (
	"sync"
	"time"

	"github.com/thruflo/itinerant/internal/job"
)

// Defaults for Gate options.
const (
	DefaultSettle            = time.Second
	DefaultContinueThreshold = 90
)

// Trigger names what closed the latch.
type Trigger string

const (
	TriggerCompletionFrame Trigger = "completion_frame"
	TriggerStagesCompleted Trigger = "stages_completed"
	TriggerPollStatus      Trigger = "poll_status"
	TriggerManual          Trigger = "manual_continue"
	TriggerJobFailure      Trigger = "job_failure"
	TriggerTimeout         Trigger = "timeout"
)

type latch int

const (
	latchOpen latch = iota
	latchSettling
	latchFired
	latchFrozen
)

// Gate wraps one onComplete and one onError callback behind a latch that
// flips once. It is safe for concurrent use.
type Gate struct {
	onComplete func()
	onError    func(error)

	settle    time.Duration
	threshold int

	mu      sync.Mutex
	state   latch
	trigger Trigger
	outcome error
	timer   *time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Gate.
type Option func(*Gate)

// WithSettle sets the delay between detecting completion and calling
// onComplete. Zero calls onComplete immediately.
func WithSettle(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.settle = d
		}
	}
}

// WithContinueThreshold sets the progress at which a manual continue is
// offered. Values outside 1..100 disable the manual path.
func WithContinueThreshold(p int) Option {
	return func(g *Gate) {
		g.threshold = p
	}
}

// New returns an open Gate. Either callback may be nil.
func New(onComplete func(), onError func(error), opts ...Option) *Gate {
	g := &Gate{
		onComplete: onComplete,
		onError:    onError,
		settle:     DefaultSettle,
		threshold:  DefaultContinueThreshold,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Complete closes the latch for a completion trigger and schedules
// onComplete after the settle delay. It reports whether this trigger won;
// every later trigger is a no-op.
func (g *Gate) Complete(t Trigger) bool {
	g.mu.Lock()
	if g.state != latchOpen {
		g.mu.Unlock()
		return false
	}
	g.trigger = t

	if g.settle <= 0 {
		g.state = latchFired
		g.mu.Unlock()
		g.fireComplete()
		return true
	}

	g.state = latchSettling
	g.timer = time.AfterFunc(g.settle, g.settled)
	g.mu.Unlock()
	return true
}

func (g *Gate) settled() {
	g.mu.Lock()
	if g.state != latchSettling {
		g.mu.Unlock()
		return
	}
	g.state = latchFired
	g.mu.Unlock()
	g.fireComplete()
}

func (g *Gate) fireComplete() {
	if g.onComplete != nil {
		g.onComplete()
	}
	g.closeDone()
}

// Fail closes the latch for a failure and calls onError immediately. A nil
// failure is reported as a job failure. It reports whether this trigger won.
func (g *Gate) Fail(t Trigger, failure *job.JobFailure) bool {
	if failure == nil {
		failure = &job.JobFailure{Reason: job.ReasonJobFailed}
	}

	g.mu.Lock()
	if g.state != latchOpen {
		g.mu.Unlock()
		return false
	}
	g.state = latchFired
	g.trigger = t
	g.outcome = failure
	g.mu.Unlock()

	if g.onError != nil {
		g.onError(failure)
	}
	g.closeDone()
	return true
}

// Freeze disables the gate: later triggers and any pending settle become
// no-ops. A callback that already started is not interrupted.
func (g *Gate) Freeze() {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.state {
	case latchFired, latchFrozen:
		return
	case latchSettling:
		g.timer.Stop()
	}
	g.state = latchFrozen
	g.closeDone()
}

// Done is closed once a callback has returned or the gate was frozen.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Open reports whether no trigger has been accepted yet.
func (g *Gate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == latchOpen
}

// Frozen reports whether the gate was frozen before firing.
func (g *Gate) Frozen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == latchFrozen
}

// Outcome returns the accepted trigger and, for failures, the failure.
// The trigger is empty while the gate is open.
func (g *Gate) Outcome() (Trigger, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.trigger, g.outcome
}

// CanContinue reports whether a manual continue is on offer at progress.
func (g *Gate) CanContinue(progress int) bool {
	if g.threshold <= 0 || g.threshold > 100 {
		return false
	}
	return progress >= g.threshold && g.Open()
}

// ContinueManually completes the gate through the manual path when the
// threshold is reached. It reports whether the gate accepted it.
func (g *Gate) ContinueManually(progress int) bool {
	if !g.CanContinue(progress) {
		return false
	}
	return g.Complete(TriggerManual)
}

func (g *Gate) closeDone() {
	g.doneOnce.Do(func() { close(g.done) })
}
