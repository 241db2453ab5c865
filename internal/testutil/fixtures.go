package testutil

import (
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/stream"
)

// Signal builds a per-stage signal frame.
func Signal(stage string, status job.StageStatus, progress int) stream.Frame {
	return stream.NewSignalFrame(job.AgentSignal{
		Stage:    job.StageID(stage),
		Status:   status,
		Progress: progress,
	})
}

// Agents builds a stage enumeration frame.
func Agents(stages ...string) stream.Frame {
	ids := make([]job.StageID, len(stages))
	for i, s := range stages {
		ids[i] = job.StageID(s)
	}
	return stream.Frame{Kind: stream.FrameAgents, Stages: ids}
}

// Complete builds a job completion frame.
func Complete() stream.Frame {
	return stream.Frame{Kind: stream.FrameComplete}
}

// Failed builds a job error frame.
func Failed(reason string) stream.Frame {
	return stream.Frame{Kind: stream.FrameError, Reason: reason}
}

// SampleStages are the stages of a typical itinerary job.
var SampleStages = []string{"planner", "enrichment", "places"}
