package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/thruflo/itinerant/internal/config"
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/poll"
	"github.com/thruflo/itinerant/internal/session"
	"github.com/thruflo/itinerant/internal/statusapi"
	"github.com/thruflo/itinerant/internal/stream"
)

var (
	watchBaseURL     string
	watchToken       string
	watchTransport   string
	watchStatusAddr  string
	watchStatusToken string
	watchPollOnly    bool
	watchJSON        bool
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a generation job until it finishes",
	Long: `Follow a generation job and print its progress until it completes or fails.

Progress arrives over the configured stream transport. When the stream drops
the status endpoint is polled early, and when reconnects are exhausted polling
carries the session on its own.

With --status-addr a local HTTP API serves the live view:
  GET  /progress   current view as JSON
  POST /continue   finish now once the manual threshold is reached
  POST /retry      reconnect an abandoned stream
  GET  /metrics    Prometheus metrics

Example:
  itinerant watch 7f9c2b1e --base-url https://jobs.example.com
  itinerant watch 7f9c2b1e --transport websocket --status-addr 127.0.0.1:9400
  itinerant watch 7f9c2b1e --poll-only --json`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchBaseURL, "base-url", "", "Job system base URL (overrides config)")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Bearer token (overrides config and "+config.EnvToken+")")
	watchCmd.Flags().StringVar(&watchTransport, "transport", "", "Stream transport: sse or websocket (overrides config)")
	watchCmd.Flags().StringVar(&watchStatusAddr, "status-addr", "", "Serve the status API on this address (overrides config)")
	watchCmd.Flags().StringVar(&watchStatusToken, "status-token", "", "Bearer token required by the status API")
	watchCmd.Flags().BoolVar(&watchPollOnly, "poll-only", false, "Skip the stream and rely on polling")
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each view as a JSON line")
	rootCmd.AddCommand(watchCmd)
}

// watchOptions holds what runWatch collects from flags.
type watchOptions struct {
	PollOnly    bool
	JSON        bool
	StatusToken string
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadWatchConfig()
	if err != nil {
		return err
	}
	if err := applyLogLevel(cfg.LogLevel); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := watchOptions{
		PollOnly:    watchPollOnly,
		JSON:        watchJSON,
		StatusToken: watchStatusToken,
	}
	return watchJob(ctx, cfg, job.ID(args[0]), opts, cmd.OutOrStdout(), logging.Default())
}

// loadWatchConfig loads the config file and applies flag overrides.
func loadWatchConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if watchBaseURL != "" {
		cfg.BaseURL = watchBaseURL
	}
	if watchToken != "" {
		cfg.Token = watchToken
	}
	if watchTransport != "" {
		cfg.Transport = watchTransport
	}
	if watchStatusAddr != "" {
		cfg.StatusAddr = watchStatusAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, config.ValidationError{Field: "base_url", Message: "is required (set it in the config file or pass --base-url)"}
	}
	return cfg, nil
}

func applyLogLevel(name string) error {
	if name == "" {
		return nil
	}
	level, err := logging.ParseLevel(name)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	return nil
}

// buildSession wires the sources for cfg into a session.
func buildSession(cfg *config.Config, jobID job.ID, opts watchOptions, p *printer, logger *logging.Logger) (*session.Session, error) {
	var src stream.Source
	if !opts.PollOnly {
		var err error
		src, err = stream.New(stream.Transport(cfg.Transport), cfg.BaseURL,
			stream.WithAuthToken(cfg.Token),
			stream.WithLogger(logger),
		)
		if err != nil {
			return nil, err
		}
	}
	poller := poll.NewPoller(cfg.BaseURL,
		poll.WithAuthToken(cfg.Token),
		poll.WithInterval(cfg.PollingInterval()),
		poll.WithLogger(logger),
	)

	return session.New(jobID, src, poller, session.SettingsFromConfig(cfg),
		session.WithLogger(logger),
		session.WithCallbacks(session.Callbacks{
			OnUpdate: p.update,
			OnWarning: func(err error) {
				p.println("warning:", err)
			},
		}),
	), nil
}

// watchJob follows one job until it ends or ctx is cancelled. Cancellation
// is not an error.
func watchJob(ctx context.Context, cfg *config.Config, jobID job.ID, opts watchOptions, out io.Writer, logger *logging.Logger) error {
	p := newPrinter(out, opts.JSON)
	sess, err := buildSession(cfg, jobID, opts, p, logger)
	if err != nil {
		return err
	}

	if cfg.StatusAddr != "" {
		srv, err := statusapi.NewServer(&statusapi.Config{
			Addr:  cfg.StatusAddr,
			Token: opts.StatusToken,
		}, sess, logger)
		if err != nil {
			return fmt.Errorf("failed to create status api: %w", err)
		}
		srvCtx, cancel := context.WithCancel(ctx)
		srvDone := make(chan struct{})
		go func() {
			defer close(srvDone)
			if err := srv.Start(srvCtx); err != nil {
				logger.Error("status api stopped", "error", err)
			}
		}()
		defer func() {
			cancel()
			<-srvDone
		}()
	}

	if !opts.JSON {
		transport := cfg.Transport
		if opts.PollOnly {
			transport = "polling"
		}
		p.println(fmt.Sprintf("Watching job %s via %s", jobID, transport))
	}

	err = sess.Run(ctx)
	p.update(sess.View())
	switch {
	case err == nil:
		p.println("Itinerary ready.")
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, session.ErrClosed):
		p.println("Stopped.")
		return nil
	case job.IsStalled(err):
		return fmt.Errorf("job %s made no progress before the time limit: %w", jobID, err)
	default:
		return fmt.Errorf("job %s failed: %w", jobID, err)
	}
}
