package session

import (
	"github.com/thruflo/itinerant/internal/arbiter"
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/reconnect"
)

// View is what a consumer renders. It combines the authoritative state with
// the animator's display state and the connection state.
type View struct {
	JobID           job.ID                    `json:"job_id"`
	// ShownProgress is the animated value. It is fractional when the
	// animator step is; renderers choose how to round it.
	ShownProgress   float64                   `json:"shown_progress"`
	OverallProgress int                       `json:"overall_progress"`
	OverallStatus   job.Status                `json:"overall_status"`
	StageMessage    string                    `json:"stage_message"`
	StageIcon       string                    `json:"stage_icon"`
	Stages          []StageView               `json:"stages"`
	Agents          job.AgentsSummary         `json:"agents"`
	StageFailures   []job.StageFailure        `json:"stage_failures,omitempty"`
	Connection      reconnect.ConnectionState `json:"connection"`
	// CanContinue is set once the manual override is on offer.
	CanContinue bool `json:"can_continue"`
	// Warning carries a non-fatal condition such as an abandoned stream.
	Warning string `json:"warning,omitempty"`
}

// StageView is one stage as reported to the consumer.
type StageView struct {
	Stage    job.StageID     `json:"stage"`
	Status   job.StageStatus `json:"status"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
}

// Done reports whether the job reached a terminal status.
func (v View) Done() bool {
	return v.OverallStatus.Terminal()
}

func (s *Session) buildView(st arbiter.State) View {
	display := s.anim.State()
	v := View{
		JobID:           s.jobID,
		ShownProgress:   display.ShownProgress,
		OverallProgress: st.OverallProgress,
		OverallStatus:   st.OverallStatus,
		StageMessage:    display.StageMessage,
		StageIcon:       display.StageIcon,
		Agents:          st.Summary(),
		StageFailures:   st.StageFailures(),
		Connection:      s.conn,
		CanContinue:     s.gate.CanContinue(st.OverallProgress),
		Warning:         s.warning,
	}
	for _, id := range s.arb.StageOrder() {
		sig := st.PerStage[id]
		v.Stages = append(v.Stages, StageView{
			Stage:    id,
			Status:   sig.Status,
			Progress: sig.Progress,
			Message:  sig.Message,
		})
	}
	return v
}
