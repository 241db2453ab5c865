// Package arbiter merges frames from the stream and the poller into one
// authoritative, monotonic record of a job's progress.
//
// The arbiter does not know which source a frame came from and never looks
// at timestamps: arrival order across sources is resolved entirely by the
// per-stage and overall clamps below. It is not safe for concurrent use; the
// session owns it from a single goroutine.
package arbiter

import (
	"math"
	"sort"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/stream"
)

// State is the authoritative record of one job.
type State struct {
	PerStage        map[job.StageID]job.AgentSignal `json:"per_stage"`
	OverallProgress int                             `json:"overall_progress"`
	OverallStatus   job.Status                      `json:"overall_status"`

	// Failure is set when OverallStatus is failed.
	Failure *job.JobFailure `json:"failure,omitempty"`
	// CompletedByFrame reports whether an explicit completion frame, rather
	// than per-stage aggregation, completed the job.
	CompletedByFrame bool `json:"completed_by_frame,omitempty"`
}

// Stages returns the known stage IDs sorted by name.
func (s State) Stages() []job.StageID {
	out := make([]job.StageID, 0, len(s.PerStage))
	for id := range s.PerStage {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Summary counts stages by outcome.
func (s State) Summary() job.AgentsSummary {
	sum := job.AgentsSummary{Total: len(s.PerStage)}
	for _, sig := range s.PerStage {
		switch sig.Status {
		case job.StageCompleted:
			sum.Completed++
		case job.StageFailed:
			sum.Failed++
		}
	}
	return sum
}

// StageFailures lists every failed stage.
func (s State) StageFailures() []job.StageFailure {
	var out []job.StageFailure
	for _, id := range s.Stages() {
		if sig := s.PerStage[id]; sig.Status == job.StageFailed {
			out = append(out, job.StageFailure{Stage: id, Message: sig.Message})
		}
	}
	return out
}

// Change describes what one call did to the state.
type Change struct {
	// Changed is true if any field of the state changed.
	Changed bool
	// Terminal is true if this call moved the job into a terminal status.
	Terminal bool
}

// Arbiter owns the State of one job.
type Arbiter struct {
	state  State
	order  []job.StageID
	sealed bool
}

// New returns an arbiter in the pending state with no known stages.
func New() *Arbiter {
	return &Arbiter{
		state: State{
			PerStage:      make(map[job.StageID]job.AgentSignal),
			OverallStatus: job.StatusPending,
		},
	}
}

// State returns a copy of the current state.
func (a *Arbiter) State() State {
	out := a.state
	out.PerStage = make(map[job.StageID]job.AgentSignal, len(a.state.PerStage))
	for k, v := range a.state.PerStage {
		out.PerStage[k] = v
	}
	if a.state.Failure != nil {
		f := *a.state.Failure
		out.Failure = &f
	}
	return out
}

// StageOrder returns stages in the order they were discovered.
func (a *Arbiter) StageOrder() []job.StageID {
	return append([]job.StageID(nil), a.order...)
}

// Seal freezes the state without changing it. Every later call is a no-op.
// The session seals on the ceiling timeout and on teardown.
func (a *Arbiter) Seal() {
	a.sealed = true
}

// closed reports whether input is ignored.
func (a *Arbiter) closed() bool {
	return a.sealed || a.state.OverallStatus.Terminal()
}

// Apply routes one frame to the matching operation.
func (a *Arbiter) Apply(f stream.Frame) Change {
	switch f.Kind {
	case stream.FrameAgents:
		return a.Enumerate(f.Stages)
	case stream.FrameAgent:
		if f.Signal == nil {
			return Change{}
		}
		return a.Ingest(*f.Signal)
	case stream.FrameComplete:
		return a.Complete()
	case stream.FrameError:
		return a.Fail(f.Reason)
	}
	return Change{}
}

// ApplyAll applies frames in order and reports the combined change.
func (a *Arbiter) ApplyAll(frames []stream.Frame) Change {
	var total Change
	for _, f := range frames {
		c := a.Apply(f)
		total.Changed = total.Changed || c.Changed
		total.Terminal = total.Terminal || c.Terminal
	}
	return total
}

// Enumerate declares the stages the job will run. Newly discovered stages
// enter as queued at 0 and count toward the mean from now on. Known stages
// are untouched.
func (a *Arbiter) Enumerate(stages []job.StageID) Change {
	if a.closed() {
		return Change{}
	}
	var changed bool
	for _, id := range stages {
		if id == "" {
			continue
		}
		if _, ok := a.state.PerStage[id]; ok {
			continue
		}
		a.discover(id, job.AgentSignal{Stage: id, Status: job.StageQueued})
		changed = true
	}
	if !changed {
		return Change{}
	}
	a.recompute()
	return Change{Changed: true}
}

// Ingest merges one per-stage signal.
//
// The stored signal is replaced only if the incoming progress is not lower,
// the incoming status is a forward step, or the incoming status is failed.
// An accepted signal still never lowers the stage's progress or moves its
// status backwards, and a failed stage stays failed.
func (a *Arbiter) Ingest(sig job.AgentSignal) Change {
	if a.closed() || sig.Stage == "" || !sig.Status.Valid() {
		return Change{}
	}
	sig.Progress = job.ClampProgress(sig.Progress)
	if sig.Status == job.StageCompleted {
		sig.Progress = 100
	}

	before := a.state
	stored, known := a.state.PerStage[sig.Stage]
	if !known {
		a.discover(sig.Stage, sig)
	} else {
		merged, ok := merge(stored, sig)
		if !ok {
			return Change{}
		}
		a.state.PerStage[sig.Stage] = merged
	}

	if a.state.OverallStatus == job.StatusPending && sig.Status != job.StageQueued {
		a.state.OverallStatus = job.StatusRunning
	}

	a.recompute()

	switch {
	case a.state.PerStage[sig.Stage].Status == job.StageFailed:
		a.failWith(&job.JobFailure{Reason: job.ReasonStageFailed, Stage: sig.Stage})
	case a.allCompleted():
		a.completeWith(false)
	}

	changed := !known || before.OverallProgress != a.state.OverallProgress ||
		before.OverallStatus != a.state.OverallStatus || stored != a.state.PerStage[sig.Stage]
	return Change{Changed: changed, Terminal: a.state.OverallStatus.Terminal()}
}

// merge applies the acceptance rule and returns the merged stage signal.
func merge(stored, in job.AgentSignal) (job.AgentSignal, bool) {
	if stored.Status == job.StageFailed {
		return stored, false
	}
	accept := in.Progress >= stored.Progress || in.Status.IsForwardOf(stored.Status) || in.Status == job.StageFailed
	if !accept {
		return stored, false
	}

	merged := in
	if in.Status != job.StageFailed && stored.Status.IsForwardOf(in.Status) {
		merged.Status = stored.Status
	}
	if stored.Progress > merged.Progress {
		merged.Progress = stored.Progress
	}
	if merged.Message == "" {
		merged.Message = stored.Message
	}
	return merged, merged != stored
}

// Complete applies a job-level completion. It is authoritative: the job
// completes even if some known stages never reported completion.
func (a *Arbiter) Complete() Change {
	if a.closed() {
		return Change{}
	}
	a.completeWith(true)
	return Change{Changed: true, Terminal: true}
}

// Fail applies a job-level failure. A failure after completion has no
// effect because completion is absorbing.
func (a *Arbiter) Fail(reason string) Change {
	if a.closed() {
		return Change{}
	}
	if reason == "" {
		reason = job.ReasonJobFailed
	}
	a.failWith(&job.JobFailure{Reason: reason})
	return Change{Changed: true, Terminal: true}
}

func (a *Arbiter) discover(id job.StageID, sig job.AgentSignal) {
	a.state.PerStage[id] = sig
	a.order = append(a.order, id)
}

func (a *Arbiter) completeWith(byFrame bool) {
	a.state.OverallStatus = job.StatusCompleted
	a.state.OverallProgress = 100
	a.state.CompletedByFrame = byFrame
}

func (a *Arbiter) failWith(f *job.JobFailure) {
	if a.state.OverallStatus == job.StatusCompleted {
		return
	}
	a.state.OverallStatus = job.StatusFailed
	a.state.Failure = f
}

func (a *Arbiter) allCompleted() bool {
	if len(a.state.PerStage) == 0 {
		return false
	}
	for _, sig := range a.state.PerStage {
		if sig.Status != job.StageCompleted {
			return false
		}
	}
	return true
}

// recompute sets the overall progress to the rounded mean of the known
// stages, never lower than before.
func (a *Arbiter) recompute() {
	if len(a.state.PerStage) == 0 {
		return
	}
	var sum int
	for _, sig := range a.state.PerStage {
		sum += sig.Progress
	}
	mean := int(math.Round(float64(sum) / float64(len(a.state.PerStage))))
	if mean > a.state.OverallProgress {
		a.state.OverallProgress = mean
	}
}
