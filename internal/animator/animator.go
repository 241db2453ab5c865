// Package animator drives the displayed progress value. The shown value
// climbs toward the authoritative progress at a bounded rate per tick, so
// it keeps moving while there is room below the ceiling and never passes it.
package animator

import (
	"github.com/thruflo/itinerant/internal/job"
)

// DefaultStep is the largest advance per tick, in percentage points.
const DefaultStep = 2.0

// DisplayState is the smoothed, UI-facing progress.
type DisplayState struct {
	ShownProgress float64 `json:"shown_progress"`
	StageMessage  string  `json:"stage_message"`
	StageIcon     string  `json:"stage_icon"`
}

// Animator is not safe for concurrent use; the session owns it.
type Animator struct {
	step     float64
	state    DisplayState
	messages Catalog
	rotation int
	terminal bool
}

// Option configures an Animator.
type Option func(*Animator)

// WithCatalog replaces the default message catalog.
func WithCatalog(c Catalog) Option {
	return func(a *Animator) {
		a.messages = c
	}
}

// New returns an Animator that advances at most step points per tick.
// Non-positive steps fall back to DefaultStep.
func New(step float64, opts ...Option) *Animator {
	if step <= 0 {
		step = DefaultStep
	}
	a := &Animator{
		step:     step,
		messages: DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(a)
	}
	first := a.messages.pick("", 0)
	a.state.StageMessage = first.Message
	a.state.StageIcon = first.Icon
	return a
}

// State returns the current display state.
func (a *Animator) State() DisplayState {
	return a.state
}

// Shown returns the current displayed progress.
func (a *Animator) Shown() float64 {
	return a.state.ShownProgress
}

// Tick advances the shown value toward ceiling by at most one step and
// returns it. The value never decreases and never exceeds ceiling.
func (a *Animator) Tick(ceiling int) float64 {
	limit := float64(job.ClampProgress(ceiling))
	next := a.state.ShownProgress + a.step
	if next > limit {
		next = limit
	}
	if next > a.state.ShownProgress {
		a.state.ShownProgress = next
	}
	return a.state.ShownProgress
}

// Finish makes the shown value reach ceiling within ticks further Tick
// calls, raising the step for the rest of the run when the usual one would
// take longer. With no ticks left it jumps straight to ceiling. The session
// calls it once the job completed so the bar climbs to 100 during the
// completion settle.
func (a *Animator) Finish(ceiling, ticks int) float64 {
	limit := float64(job.ClampProgress(ceiling))
	if ticks <= 0 {
		if limit > a.state.ShownProgress {
			a.state.ShownProgress = limit
		}
		return a.state.ShownProgress
	}
	if need := (limit - a.state.ShownProgress) / float64(ticks); need > a.step {
		a.step = need
	}
	return a.state.ShownProgress
}

// Rotate advances the stage message. active is a stage currently running,
// or empty when none is known; its messages are preferred when the catalog
// has any. Rotation stops once a terminal message is set.
func (a *Animator) Rotate(active job.StageID) {
	if a.terminal {
		return
	}
	a.rotation++
	e := a.messages.pick(active, a.rotation)
	a.state.StageMessage = e.Message
	a.state.StageIcon = e.Icon
}

// Settle replaces the rotating message with the final one for status.
func (a *Animator) Settle(status job.Status) {
	switch status {
	case job.StatusCompleted:
		a.state.StageMessage = a.messages.Done.Message
		a.state.StageIcon = a.messages.Done.Icon
	case job.StatusFailed:
		a.state.StageMessage = a.messages.Failed.Message
		a.state.StageIcon = a.messages.Failed.Icon
	default:
		return
	}
	a.terminal = true
}
