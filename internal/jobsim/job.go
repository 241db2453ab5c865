package jobsim

import (
	"fmt"
	"sync"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/poll"
)

// Event is one message as the stream endpoints send it.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type agentData struct {
	Kind     string `json:"kind"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
}

type stageState struct {
	id       job.StageID
	message  string
	status   job.StageStatus
	progress int
}

// simJob is a job's full history. Stream subscribers replay events from the
// start and then follow new ones.
type simJob struct {
	id     job.ID
	script Script

	mu      sync.Mutex
	stages  []*stageState
	steps   int
	status  job.Status
	reason  string
	events  []Event
	changed chan struct{}
}

func newSimJob(id job.ID, script Script) *simJob {
	j := &simJob{
		id:      id,
		script:  script,
		status:  job.StatusRunning,
		changed: make(chan struct{}),
	}
	names := make([]string, 0, len(script.Stages))
	for _, st := range script.Stages {
		j.stages = append(j.stages, &stageState{id: st.ID, message: st.Message, status: job.StageQueued})
		names = append(names, string(st.ID))
	}
	j.events = append(j.events, Event{Type: "agents", Data: map[string][]string{"agents": names}})
	return j
}

// step advances the running stage by one increment. It reports false once
// the job is terminal or stalled.
func (j *simJob) step() bool {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return false
	}
	if j.script.StallAfter > 0 && j.steps >= j.script.StallAfter {
		return false
	}
	j.steps++

	cur := j.current()
	if cur == nil {
		j.finish()
		return false
	}

	cur.status = job.StageRunning
	cur.progress += j.script.Increment
	if cur.id == j.script.FailStage && cur.progress >= j.script.FailAt {
		cur.status = job.StageFailed
		j.emit(agentEvent(cur))
		j.status = job.StatusFailed
		j.reason = fmt.Sprintf("stage %s failed", cur.id)
		j.emit(Event{Type: "error", Data: map[string]string{"reason": j.reason}})
		return false
	}
	if cur.progress >= 100 {
		cur.progress = 100
		cur.status = job.StageCompleted
	}
	j.emit(agentEvent(cur))

	if j.current() == nil {
		j.finish()
		return false
	}
	return true
}

// current returns the first stage that has not completed.
func (j *simJob) current() *stageState {
	for _, st := range j.stages {
		if st.status != job.StageCompleted {
			return st
		}
	}
	return nil
}

func (j *simJob) finish() {
	j.status = job.StatusCompleted
	j.emit(Event{Type: "complete", Data: map[string]interface{}{
		"job_id": j.id,
		"stages": len(j.stages),
	}})
}

func (j *simJob) emit(ev Event) {
	j.events = append(j.events, ev)
	close(j.changed)
	j.changed = make(chan struct{})
}

// since returns events from index i on and a channel closed on the next
// change.
func (j *simJob) since(i int) ([]Event, <-chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if i > len(j.events) {
		i = len(j.events)
	}
	out := make([]Event, len(j.events)-i)
	copy(out, j.events[i:])
	return out, j.changed
}

// statusBody is the status endpoint's body. Progress is the job system's own
// overall figure; clients derive theirs from the stages.
type statusBody struct {
	poll.Snapshot
	Progress float64 `json:"progress"`
}

// snapshot renders the status endpoint's body.
func (j *simJob) snapshot() statusBody {
	j.mu.Lock()
	defer j.mu.Unlock()

	agents := make(poll.Agents, len(j.stages))
	total := 0
	for _, st := range j.stages {
		p := float64(st.progress)
		agents[string(st.id)] = poll.AgentDetail{
			Status:   string(st.status),
			Progress: &p,
			Message:  st.message,
		}
		total += st.progress
	}
	overall := 0.0
	if len(j.stages) > 0 {
		overall = float64(total) / float64(len(j.stages))
	}
	if j.status == job.StatusCompleted {
		overall = 100
	}
	return statusBody{
		Snapshot: poll.Snapshot{
			Status: string(j.status),
			Agents: agents,
			Error:  j.reason,
		},
		Progress: overall,
	}
}

func agentEvent(st *stageState) Event {
	return Event{Type: "agent", Data: agentData{
		Kind:     string(st.id),
		Status:   string(st.status),
		Progress: st.progress,
		Message:  st.message,
	}}
}
