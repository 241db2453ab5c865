package poll

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/stream"
)

// Snapshot is the status-relevant subset of a poll response. Every field is
// optional; anything else in the response, including the job system's own
// overall progress figure, is ignored. Overall progress is always derived
// from the stages.
type Snapshot struct {
	Status string `json:"status,omitempty"`
	Agents Agents `json:"agents,omitempty"`
	Error  string `json:"error,omitempty"`
}

// AgentDetail is one stage entry of a snapshot.
type AgentDetail struct {
	Kind     string   `json:"kind,omitempty"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress,omitempty"`
	Message  string   `json:"message,omitempty"`
}

// Agents holds per-stage detail. The wire form is either an object keyed by
// stage or an array of entries carrying "kind".
type Agents map[string]AgentDetail

// UnmarshalJSON accepts both wire forms.
func (a *Agents) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if len(data) > 0 && data[0] == '[' {
		var list []AgentDetail
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		out := make(Agents, len(list))
		for _, d := range list {
			if d.Kind != "" {
				out[d.Kind] = d
			}
		}
		*a = out
		return nil
	}
	var m map[string]AgentDetail
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*a = m
	return nil
}

// Frames translates a snapshot into the stream frame vocabulary. Fields the
// snapshot does not carry produce no frames, so older or partial shapes never
// overwrite known state with defaults. Frames are ordered enumeration, stage
// signals, terminal.
func (s *Snapshot) Frames(logger *logging.Logger) []stream.Frame {
	var frames []stream.Frame

	if len(s.Agents) > 0 {
		names := make([]string, 0, len(s.Agents))
		for name := range s.Agents {
			names = append(names, name)
		}
		sort.Strings(names)

		stages := make([]job.StageID, 0, len(names))
		var signals []stream.Frame
		for _, name := range names {
			detail := s.Agents[name]
			sig, ok := detail.signal(name)
			if !ok {
				logger.Warn("dropping malformed stage entry in status response", "stage", name, "status", detail.Status)
				continue
			}
			stages = append(stages, sig.Stage)
			signals = append(signals, stream.NewSignalFrame(sig))
		}
		if len(stages) > 0 {
			frames = append(frames, stream.Frame{Kind: stream.FrameAgents, Stages: stages})
			frames = append(frames, signals...)
		}
	}

	if s.Status != "" {
		status, err := job.ParseStatus(strings.ToLower(s.Status))
		switch {
		case err != nil:
			logger.Warn("ignoring unknown job status in status response", "status", s.Status)
		case status == job.StatusCompleted:
			frames = append(frames, stream.Frame{Kind: stream.FrameComplete})
		case status == job.StatusFailed:
			reason := s.Error
			if reason == "" {
				reason = job.ReasonJobFailed
			}
			frames = append(frames, stream.Frame{Kind: stream.FrameError, Reason: reason})
		}
	}

	return frames
}

func (d AgentDetail) signal(name string) (job.AgentSignal, bool) {
	status, err := job.ParseStageStatus(strings.ToLower(d.Status))
	if err != nil {
		return job.AgentSignal{}, false
	}
	progress := 0
	if d.Progress != nil {
		progress = job.ProgressFromFloat(*d.Progress)
	}
	if status == job.StageCompleted {
		progress = 100
	}
	return job.AgentSignal{
		Stage:    job.StageID(name),
		Status:   status,
		Progress: progress,
		Message:  d.Message,
	}, true
}
