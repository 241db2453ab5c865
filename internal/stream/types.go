// Package stream delivers a job's push channel as typed frames. It defines
// the frame vocabulary shared with the poller and two interchangeable
// transports behind the Source interface: Server-Sent Events and WebSocket.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/thruflo/itinerant/internal/job"
)

// FrameKind identifies the type of frame on the wire.
type FrameKind string

const (
	// FrameAgents enumerates the stages the job will run.
	FrameAgents FrameKind = "agents"
	// FrameAgent is a per-stage signal.
	FrameAgent FrameKind = "agent"
	// FrameComplete is the job-level completion frame.
	FrameComplete FrameKind = "complete"
	// FrameError is a job-level failure.
	FrameError FrameKind = "error"
	// FrameConnected confirms the channel is open. It carries nothing else.
	FrameConnected FrameKind = "connected"
)

var knownKinds = map[FrameKind]bool{
	FrameAgents:    true,
	FrameAgent:     true,
	FrameComplete:  true,
	FrameError:     true,
	FrameConnected: true,
}

// kindAliases maps event names used by older deployments.
var kindAliases = map[string]FrameKind{
	"agent_update": FrameAgent,
	"agent_status": FrameAgent,
	"stage":        FrameAgent,
	"completed":    FrameComplete,
	"done":         FrameComplete,
	"failed":       FrameError,
	"connection":   FrameConnected,
}

// ParseKind normalizes a wire event name. ok is false for unknown names.
func ParseKind(name string) (FrameKind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if k := FrameKind(name); knownKinds[k] {
		return k, true
	}
	k, ok := kindAliases[name]
	return k, ok
}

// Frame is one classified message from a source.
type Frame struct {
	Kind FrameKind

	// Stages is set for FrameAgents.
	Stages []job.StageID

	// Signal is set for FrameAgent.
	Signal *job.AgentSignal

	// Reason is set for FrameError.
	Reason string

	// Summary is the raw completion payload, possibly empty.
	Summary json.RawMessage
}

// Terminal reports whether the frame ends the job.
func (f Frame) Terminal() bool {
	return f.Kind == FrameComplete || f.Kind == FrameError
}

// NewSignalFrame wraps a signal in a FrameAgent frame.
func NewSignalFrame(sig job.AgentSignal) Frame {
	return Frame{Kind: FrameAgent, Signal: &sig}
}

// wireSignal is the per-stage payload. Progress may be fractional or absent.
type wireSignal struct {
	Kind     string   `json:"kind"`
	Stage    string   `json:"stage"`
	Status   string   `json:"status"`
	Progress *float64 `json:"progress"`
	Message  string   `json:"message"`
}

type wireAgents struct {
	Agents []string `json:"agents"`
}

type wireError struct {
	Reason  string `json:"reason"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// envelope is the {"type": ..., "data": ...} wrapper used by the WebSocket
// transport and accepted in SSE data lines.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ParseFrame classifies one frame. kind is the transport's event name and
// may be empty, in which case the payload shape decides. Errors are always
// *job.MalformedFrameError.
func ParseFrame(kind string, data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)

	// "message" is the SSE default event name.
	if kind == "" || kind == "message" {
		if isConnectedText(data) {
			return &Frame{Kind: FrameConnected}, nil
		}
		k, payload, err := classify(data)
		if err != nil {
			return nil, err
		}
		return decode(k, payload)
	}

	k, ok := ParseKind(kind)
	if !ok {
		return nil, &job.MalformedFrameError{Kind: kind, Reason: "unknown frame kind"}
	}
	return decode(k, data)
}

// ParseEnvelope classifies a WebSocket message.
func ParseEnvelope(data []byte) (*Frame, error) {
	data = bytes.TrimSpace(data)
	if isConnectedText(data) {
		return &Frame{Kind: FrameConnected}, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &job.MalformedFrameError{Reason: "invalid envelope", Err: err}
	}
	if env.Type == "" {
		return ParseFrame("", data)
	}
	return ParseFrame(env.Type, env.Data)
}

func isConnectedText(data []byte) bool {
	if len(data) == 0 || data[0] == '{' || data[0] == '[' || data[0] == '"' {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), "connected")
}

// classify infers the frame kind of an untyped JSON payload.
func classify(data []byte) (FrameKind, []byte, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return "", nil, &job.MalformedFrameError{Reason: "payload is not a JSON object", Err: err}
	}

	if raw, ok := probe["type"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err == nil {
			if k, ok := ParseKind(name); ok {
				if inner, ok := probe["data"]; ok {
					return k, inner, nil
				}
				return k, data, nil
			}
		}
	}
	if _, ok := probe["agents"]; ok {
		return FrameAgents, data, nil
	}
	if _, ok := probe["kind"]; ok {
		return FrameAgent, data, nil
	}
	return "", nil, &job.MalformedFrameError{Reason: "unrecognized payload shape"}
}

func decode(kind FrameKind, data []byte) (*Frame, error) {
	switch kind {
	case FrameConnected:
		return &Frame{Kind: FrameConnected}, nil

	case FrameAgents:
		var wa wireAgents
		if err := json.Unmarshal(data, &wa); err != nil {
			return nil, &job.MalformedFrameError{Kind: string(kind), Reason: "invalid payload", Err: err}
		}
		if wa.Agents == nil {
			return nil, &job.MalformedFrameError{Kind: string(kind), Reason: "missing agents list"}
		}
		return &Frame{Kind: FrameAgents, Stages: stageList(wa.Agents)}, nil

	case FrameAgent:
		sig, err := decodeSignal(data)
		if err != nil {
			return nil, err
		}
		return &Frame{Kind: FrameAgent, Signal: sig}, nil

	case FrameComplete:
		f := &Frame{Kind: FrameComplete}
		if len(data) > 0 && json.Valid(data) {
			f.Summary = json.RawMessage(append([]byte(nil), data...))
		}
		return f, nil

	case FrameError:
		f := &Frame{Kind: FrameError}
		var we wireError
		if len(data) > 0 && json.Unmarshal(data, &we) == nil {
			f.Reason = firstNonEmpty(we.Reason, we.Error, we.Message)
		} else if len(data) > 0 {
			var text string
			if json.Unmarshal(data, &text) != nil {
				text = string(data)
			}
			f.Reason = text
		}
		if f.Reason == "" {
			f.Reason = job.ReasonJobFailed
		}
		return f, nil
	}
	return nil, &job.MalformedFrameError{Kind: string(kind), Reason: "unsupported frame kind"}
}

func decodeSignal(data []byte) (*job.AgentSignal, error) {
	var ws wireSignal
	if err := json.Unmarshal(data, &ws); err != nil {
		return nil, &job.MalformedFrameError{Kind: string(FrameAgent), Reason: "invalid payload", Err: err}
	}
	return ws.toSignal()
}

func (ws wireSignal) toSignal() (*job.AgentSignal, error) {
	stage := firstNonEmpty(ws.Kind, ws.Stage)
	if stage == "" {
		return nil, &job.MalformedFrameError{Kind: string(FrameAgent), Reason: "missing stage"}
	}
	status, err := job.ParseStageStatus(strings.ToLower(ws.Status))
	if err != nil {
		return nil, &job.MalformedFrameError{Kind: string(FrameAgent), Reason: "invalid status", Err: err}
	}

	progress := 0
	if ws.Progress != nil {
		if math.IsNaN(*ws.Progress) {
			return nil, &job.MalformedFrameError{Kind: string(FrameAgent), Reason: "progress is NaN"}
		}
		progress = job.ProgressFromFloat(*ws.Progress)
	}
	if status == job.StageCompleted {
		progress = 100
	}

	return &job.AgentSignal{
		Stage:    job.StageID(stage),
		Status:   status,
		Progress: progress,
		Message:  ws.Message,
	}, nil
}

func stageList(names []string) []job.StageID {
	seen := make(map[string]bool, len(names))
	out := make([]job.StageID, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, job.StageID(n))
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// String renders a frame for logs.
func (f Frame) String() string {
	switch f.Kind {
	case FrameAgent:
		if f.Signal != nil {
			return fmt.Sprintf("agent(%s %s %d)", f.Signal.Stage, f.Signal.Status, f.Signal.Progress)
		}
	case FrameAgents:
		return fmt.Sprintf("agents(%d)", len(f.Stages))
	case FrameError:
		return fmt.Sprintf("error(%s)", f.Reason)
	}
	return string(f.Kind)
}
