// Package job defines the vocabulary shared by every part of the progress
// engine: job and stage identifiers, statuses, the source-agnostic
// AgentSignal, and the error taxonomy.
package job

import (
	"fmt"
	"math"
)

// ID identifies one generation run. It is immutable for a session.
type ID string

// StageID names one pipeline stage (planner, enrichment, places, ...).
// The set of stages is discovered at runtime.
type StageID string

// StageStatus is the status of a single stage.
type StageStatus string

const (
	StageQueued    StageStatus = "queued"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// rank orders the non-failed statuses queued < running < completed.
// Failed sits outside the ordering.
func (s StageStatus) rank() int {
	switch s {
	case StageQueued:
		return 0
	case StageRunning:
		return 1
	case StageCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known stage statuses.
func (s StageStatus) Valid() bool {
	return s == StageFailed || s.rank() >= 0
}

// IsForwardOf reports whether s is a strict forward step from prev in the
// ordering queued → running → completed.
func (s StageStatus) IsForwardOf(prev StageStatus) bool {
	if s == StageFailed || prev == StageFailed {
		return false
	}
	return s.rank() > prev.rank()
}

// ParseStageStatus converts a wire status to a StageStatus. Common aliases
// emitted by older deployments are accepted.
func ParseStageStatus(raw string) (StageStatus, error) {
	switch raw {
	case "queued", "pending", "waiting":
		return StageQueued, nil
	case "running", "in_progress", "processing", "started":
		return StageRunning, nil
	case "completed", "complete", "done", "success":
		return StageCompleted, nil
	case "failed", "error":
		return StageFailed, nil
	}
	return "", fmt.Errorf("unknown stage status %q", raw)
}

// Status is the overall status of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a wire job status to a Status.
func ParseStatus(raw string) (Status, error) {
	switch raw {
	case "pending", "queued", "created":
		return StatusPending, nil
	case "running", "in_progress", "processing":
		return StatusRunning, nil
	case "completed", "complete", "done", "success":
		return StatusCompleted, nil
	case "failed", "error", "cancelled", "canceled":
		return StatusFailed, nil
	}
	return "", fmt.Errorf("unknown job status %q", raw)
}

// AgentSignal is one status/progress report for one stage. Both sources
// produce it in the same shape; nothing records which source it came from.
type AgentSignal struct {
	Stage    StageID     `json:"kind"`
	Status   StageStatus `json:"status"`
	Progress int         `json:"progress"`
	Message  string      `json:"message,omitempty"`
}

// ClampProgress bounds p to [0, 100].
func ClampProgress(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// ProgressFromFloat rounds a wire progress value into [0, 100]. The value
// is bounded before conversion because converting an out-of-range float to
// int is implementation-defined. NaN maps to 0.
func ProgressFromFloat(p float64) int {
	switch {
	case math.IsNaN(p), p <= 0:
		return 0
	case p >= 100:
		return 100
	}
	return int(math.Round(p))
}

// AgentsSummary counts stages by outcome for the view layer.
type AgentsSummary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}
