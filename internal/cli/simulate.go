package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/jobsim"
	"github.com/thruflo/itinerant/internal/logging"
)

var (
	simAddr              string
	simToken             string
	simJobs              int
	simInterval          time.Duration
	simIncrement         int
	simFailStage         string
	simFailAt            int
	simStallAfter        int
	simDropAfter         int
	simStreamUnavailable bool
	simOmitCompletion    bool
	simPollUnavailable   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a local job system for trying out watch",
	Long: `Run an in-process job system that serves the stream and status endpoints
watch consumes. Jobs move through scripted stages and the fault flags make
each transport misbehave.

New jobs can also be created with POST /api/jobs.

Example:
  itinerant simulate --addr 127.0.0.1:8080 --jobs 1
  itinerant simulate --drop-after 4 --omit-completion
  itinerant simulate --fail-stage places --fail-at 40`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simAddr, "addr", "127.0.0.1:8080", "Listen address")
	f.StringVar(&simToken, "token", "", "Require this bearer token")
	f.IntVar(&simJobs, "jobs", 1, "Jobs to create at startup")
	f.DurationVar(&simInterval, "interval", time.Second, "Time between progress steps")
	f.IntVar(&simIncrement, "increment", 20, "Progress added to the running stage per step")
	f.StringVar(&simFailStage, "fail-stage", "", "Fail this stage")
	f.IntVar(&simFailAt, "fail-at", 50, "Progress at which --fail-stage fails")
	f.IntVar(&simStallAfter, "stall-after", 0, "Stop advancing after this many steps (0 never stalls)")
	f.IntVar(&simDropAfter, "drop-after", 0, "Close stream connections after this many events")
	f.BoolVar(&simStreamUnavailable, "stream-unavailable", false, "Answer 503 on the stream endpoints")
	f.BoolVar(&simOmitCompletion, "omit-completion", false, "Keep the completion event off the stream")
	f.BoolVar(&simPollUnavailable, "poll-unavailable", false, "Answer 500 on the status endpoint")
	rootCmd.AddCommand(simulateCmd)
}

func simulatorOptions() []jobsim.Option {
	script := jobsim.DefaultScript()
	script.Interval = simInterval
	script.Increment = simIncrement
	script.FailStage = job.StageID(simFailStage)
	script.FailAt = simFailAt
	script.StallAfter = simStallAfter

	return []jobsim.Option{
		jobsim.WithToken(simToken),
		jobsim.WithScript(script),
		jobsim.WithFaults(jobsim.Faults{
			StreamUnavailable: simStreamUnavailable,
			DropAfter:         simDropAfter,
			OmitCompletion:    simOmitCompletion,
			PollUnavailable:   simPollUnavailable,
		}),
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := applyLogLevel(logLevel); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := append(simulatorOptions(), jobsim.WithLogger(logging.Default()))
	return simulate(ctx, jobsim.New(opts...), simAddr, simJobs, cmd.OutOrStdout())
}

// simulate serves sim on addr and creates jobs once it is listening.
func simulate(ctx context.Context, sim *jobsim.Simulator, addr string, jobs int, out io.Writer) error {
	return sim.Serve(ctx, addr, func(a net.Addr) {
		base := "http://" + a.String()
		fmt.Fprintf(out, "Job system listening on %s\n", base)
		for i := 0; i < jobs; i++ {
			id := sim.CreateJob()
			fmt.Fprintf(out, "  itinerant watch %s --base-url %s\n", id, base)
		}
	})
}
