package arbiter

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/stream"
)

func sig(stage job.StageID, status job.StageStatus, progress int) job.AgentSignal {
	return job.AgentSignal{Stage: stage, Status: status, Progress: progress}
}

func TestArbiter_MeanOverKnownStages(t *testing.T) {
	a := New()
	a.Enumerate([]job.StageID{"planner", "enrichment", "places"})
	assert.Equal(t, job.StatusPending, a.State().OverallStatus)

	a.Ingest(sig("planner", job.StageRunning, 40))
	st := a.State()
	assert.Equal(t, job.StatusRunning, st.OverallStatus)
	// round(40/3)
	assert.Equal(t, 13, st.OverallProgress)

	a.Ingest(sig("planner", job.StageCompleted, 100))
	a.Ingest(sig("enrichment", job.StageRunning, 50))
	assert.Equal(t, 50, a.State().OverallProgress)

	a.Ingest(sig("enrichment", job.StageCompleted, 100))
	a.Ingest(sig("places", job.StageCompleted, 100))
	st = a.State()
	assert.Equal(t, job.StatusCompleted, st.OverallStatus)
	assert.Equal(t, 100, st.OverallProgress)
	assert.False(t, st.CompletedByFrame)
}

func TestArbiter_ThreeStagesOutOfOrder(t *testing.T) {
	a := New()
	a.Enumerate([]job.StageID{"planner", "enrichment", "places"})
	a.Ingest(sig("planner", job.StageRunning, 40))
	a.Ingest(sig("places", job.StageRunning, 50))
	a.Ingest(sig("enrichment", job.StageRunning, 10))
	// round((40+50+10)/3)
	assert.Equal(t, 33, a.State().OverallProgress)

	for _, id := range []job.StageID{"planner", "enrichment", "places"} {
		a.Ingest(sig(id, job.StageCompleted, 100))
	}
	st := a.State()
	assert.Equal(t, 100, st.OverallProgress)
	assert.Equal(t, job.StatusCompleted, st.OverallStatus)
}

func TestArbiter_NewStageDoesNotLowerOverall(t *testing.T) {
	a := New()
	a.Ingest(sig("planner", job.StageRunning, 80))
	assert.Equal(t, 80, a.State().OverallProgress)

	// The mean drops to 40 but the overall value holds.
	c := a.Ingest(sig("places", job.StageQueued, 0))
	assert.True(t, c.Changed)
	assert.Equal(t, 80, a.State().OverallProgress)

	a.Ingest(sig("places", job.StageRunning, 90))
	assert.Equal(t, 85, a.State().OverallProgress)
}

func TestArbiter_StageMerge(t *testing.T) {
	tests := []struct {
		name   string
		stored job.AgentSignal
		in     job.AgentSignal
		want   job.AgentSignal
		change bool
	}{
		{
			name:   "lower progress same status is ignored",
			stored: sig("p", job.StageRunning, 60),
			in:     sig("p", job.StageRunning, 40),
			want:   sig("p", job.StageRunning, 60),
		},
		{
			name:   "higher progress is accepted",
			stored: sig("p", job.StageRunning, 60),
			in:     sig("p", job.StageRunning, 70),
			want:   sig("p", job.StageRunning, 70),
			change: true,
		},
		{
			name:   "status regression keeps stored status",
			stored: sig("p", job.StageRunning, 60),
			in:     sig("p", job.StageQueued, 80),
			want:   sig("p", job.StageRunning, 80),
			change: true,
		},
		{
			name:   "forward step keeps higher stored progress",
			stored: sig("p", job.StageQueued, 30),
			in:     sig("p", job.StageRunning, 10),
			want:   sig("p", job.StageRunning, 30),
			change: true,
		},
		{
			name:   "completed forces 100",
			stored: sig("p", job.StageRunning, 60),
			in:     sig("p", job.StageCompleted, 20),
			want:   sig("p", job.StageCompleted, 100),
			change: true,
		},
		{
			name:   "failed is accepted at lower progress",
			stored: sig("p", job.StageRunning, 60),
			in:     sig("p", job.StageFailed, 0),
			want:   sig("p", job.StageFailed, 60),
			change: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			a.Ingest(job.AgentSignal{Stage: "q", Status: job.StageRunning, Progress: 0})
			a.Ingest(tt.stored)

			c := a.Ingest(tt.in)
			assert.Equal(t, tt.change, c.Changed)
			assert.Equal(t, tt.want, a.State().PerStage["p"])
		})
	}
}

func TestArbiter_FailedStageFailsJob(t *testing.T) {
	a := New()
	a.Enumerate([]job.StageID{"planner", "places"})
	a.Ingest(sig("planner", job.StageRunning, 50))

	failed := sig("places", job.StageFailed, 0)
	failed.Message = "quota"
	c := a.Ingest(failed)
	require.True(t, c.Terminal)

	st := a.State()
	assert.Equal(t, job.StatusFailed, st.OverallStatus)
	require.NotNil(t, st.Failure)
	assert.Equal(t, job.ReasonStageFailed, st.Failure.Reason)
	assert.Equal(t, job.StageID("places"), st.Failure.Stage)
	assert.Equal(t, []job.StageFailure{{Stage: "places", Message: "quota"}}, st.StageFailures())
	assert.Equal(t, job.AgentsSummary{Completed: 0, Failed: 1, Total: 2}, st.Summary())
}

func TestArbiter_TerminalIsAbsorbing(t *testing.T) {
	a := New()
	a.Ingest(sig("planner", job.StageRunning, 30))
	require.True(t, a.Complete().Terminal)

	before := a.State()
	assert.True(t, before.CompletedByFrame)
	assert.Equal(t, 100, before.OverallProgress)

	assert.False(t, a.Fail("late").Changed)
	assert.False(t, a.Ingest(sig("planner", job.StageFailed, 0)).Changed)
	assert.False(t, a.Enumerate([]job.StageID{"places"}).Changed)
	assert.False(t, a.Complete().Changed)

	if diff := cmp.Diff(before, a.State()); diff != "" {
		t.Errorf("state changed after completion (-before +after):\n%s", diff)
	}
}

func TestArbiter_FailureThenCompletionIgnored(t *testing.T) {
	a := New()
	a.Fail("")
	st := a.State()
	assert.Equal(t, job.StatusFailed, st.OverallStatus)
	assert.Equal(t, job.ReasonJobFailed, st.Failure.Reason)

	assert.False(t, a.Complete().Changed)
	assert.Equal(t, job.StatusFailed, a.State().OverallStatus)
}

func TestArbiter_Seal(t *testing.T) {
	a := New()
	a.Ingest(sig("planner", job.StageRunning, 30))
	a.Seal()

	assert.False(t, a.Ingest(sig("planner", job.StageRunning, 60)).Changed)
	assert.False(t, a.Complete().Changed)
	st := a.State()
	assert.Equal(t, job.StatusRunning, st.OverallStatus)
	assert.Equal(t, 30, st.OverallProgress)
}

// Overall progress is the stage mean even when a source also reports an
// overall figure of its own.
func TestArbiter_OverallFollowsStageMean(t *testing.T) {
	a := New()
	a.Enumerate([]job.StageID{"planner", "enrichment", "places"})
	a.ApplyAll([]stream.Frame{
		stream.NewSignalFrame(sig("planner", job.StageRunning, 40)),
		stream.NewSignalFrame(sig("enrichment", job.StageRunning, 50)),
		stream.NewSignalFrame(sig("places", job.StageRunning, 10)),
	})

	frame, err := stream.ParseFrame("progress", []byte(`{"progress":99}`))
	require.Error(t, err)
	assert.Nil(t, frame)

	st := a.State()
	assert.Equal(t, job.StatusRunning, st.OverallStatus)
	assert.Equal(t, 33, st.OverallProgress)
}

func TestArbiter_ApplyFrames(t *testing.T) {
	a := New()
	c := a.ApplyAll([]stream.Frame{
		{Kind: stream.FrameConnected},
		{Kind: stream.FrameAgents, Stages: []job.StageID{"planner", "places"}},
		stream.NewSignalFrame(sig("planner", job.StageCompleted, 100)),
		{Kind: stream.FrameAgent},
		{Kind: stream.FrameError, Reason: "boom"},
	})
	assert.True(t, c.Changed)
	assert.True(t, c.Terminal)

	st := a.State()
	assert.Equal(t, job.StatusFailed, st.OverallStatus)
	assert.Equal(t, "boom", st.Failure.Reason)
	assert.Equal(t, []job.StageID{"planner", "places"}, a.StageOrder())
	assert.Equal(t, []job.StageID{"places", "planner"}, st.Stages())
}

func TestArbiter_InvalidSignalsIgnored(t *testing.T) {
	a := New()
	assert.False(t, a.Ingest(job.AgentSignal{Status: job.StageRunning, Progress: 10}).Changed)
	assert.False(t, a.Ingest(job.AgentSignal{Stage: "planner", Status: "exploded"}).Changed)
	assert.Empty(t, a.State().PerStage)
}

func TestArbiter_StateIsACopy(t *testing.T) {
	a := New()
	a.Ingest(sig("planner", job.StageRunning, 30))
	st := a.State()
	st.PerStage["planner"] = sig("planner", job.StageCompleted, 100)

	assert.Equal(t, 30, a.State().PerStage["planner"].Progress)
}

// Whatever order the two sources' frames interleave in, overall progress
// never decreases and every stage ends at its highest reported value.
func TestArbiter_MonotonicUnderInterleaving(t *testing.T) {
	streamFrames := []job.AgentSignal{
		sig("planner", job.StageRunning, 20),
		sig("planner", job.StageRunning, 60),
		sig("enrichment", job.StageRunning, 10),
		sig("planner", job.StageCompleted, 100),
		sig("enrichment", job.StageRunning, 70),
	}
	pollFrames := []job.AgentSignal{
		sig("planner", job.StageRunning, 50),
		sig("enrichment", job.StageQueued, 0),
		sig("planner", job.StageRunning, 90),
		sig("enrichment", job.StageRunning, 40),
	}

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 200; run++ {
		a := New()
		a.Enumerate([]job.StageID{"planner", "enrichment", "places"})

		i, j := 0, 0
		last := 0
		for i < len(streamFrames) || j < len(pollFrames) {
			useStream := j >= len(pollFrames) || (i < len(streamFrames) && rng.Intn(2) == 0)
			if useStream {
				a.Ingest(streamFrames[i])
				i++
			} else {
				a.Ingest(pollFrames[j])
				j++
			}
			p := a.State().OverallProgress
			require.GreaterOrEqual(t, p, last, "run %d", run)
			last = p
		}

		st := a.State()
		assert.Equal(t, sig("planner", job.StageCompleted, 100), st.PerStage["planner"], "run %d", run)
		assert.Equal(t, 70, st.PerStage["enrichment"].Progress, "run %d", run)
		assert.Equal(t, job.StageRunning, st.PerStage["enrichment"].Status, "run %d", run)
	}
}
