package jobsim

import (
	"time"

	"github.com/thruflo/itinerant/internal/job"
)

// StageScript describes one stage of a simulated job.
type StageScript struct {
	ID      job.StageID
	Message string
}

// Script describes how a simulated job unfolds. Stages run one after
// another; each step adds Increment to the running stage.
type Script struct {
	Stages []StageScript
	// Interval between steps. Zero disables the background driver and
	// jobs only move when Step is called.
	Interval  time.Duration
	Increment int

	// FailStage, when set, fails that stage once it reaches FailAt.
	FailStage job.StageID
	FailAt    int

	// StallAfter stops the job after that many steps. Zero never stalls.
	StallAfter int
}

// DefaultScript is a four-stage trip plan that finishes in about twenty
// seconds.
func DefaultScript() Script {
	return Script{
		Stages: []StageScript{
			{ID: "planner", Message: "Sketching your route"},
			{ID: "enrichment", Message: "Reading up on each stop"},
			{ID: "places", Message: "Finding places to visit"},
			{ID: "itinerary", Message: "Putting the days together"},
		},
		Interval:  time.Second,
		Increment: 20,
	}
}

func (s Script) withDefaults() Script {
	def := DefaultScript()
	if len(s.Stages) == 0 {
		s.Stages = def.Stages
	}
	if s.Increment <= 0 {
		s.Increment = def.Increment
	}
	if s.Interval < 0 {
		s.Interval = 0
	}
	return s
}

// Faults injects transport misbehavior.
type Faults struct {
	// StreamUnavailable makes the SSE and WebSocket endpoints answer 503.
	StreamUnavailable bool
	// DropAfter closes each stream connection after that many events.
	DropAfter int
	// OmitCompletion keeps the completion event off the stream so only
	// the status endpoint reports it.
	OmitCompletion bool
	// PollUnavailable makes the status endpoint answer 500.
	PollUnavailable bool
}
