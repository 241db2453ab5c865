package cli

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/itinerant/internal/config"
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/jobsim"
	"github.com/thruflo/itinerant/internal/logging"
)

func TestWatchCommand_RequiresJobArg(t *testing.T) {
	assert.Equal(t, "watch <job-id>", watchCmd.Use)
	assert.Error(t, watchCmd.Args(watchCmd, []string{}))
	assert.Error(t, watchCmd.Args(watchCmd, []string{"a", "b"}))
	assert.NoError(t, watchCmd.Args(watchCmd, []string{"job-1"}))
}

func TestWatchCommand_Flags(t *testing.T) {
	for _, name := range []string{"base-url", "token", "transport", "status-addr", "status-token", "poll-only", "json"} {
		assert.NotNil(t, watchCmd.Flags().Lookup(name), "flag %s", name)
	}
	assert.Equal(t, "false", watchCmd.Flags().Lookup("poll-only").DefValue)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, config.DefaultConfigFile, flag.DefValue)
	assert.Equal(t, "c", flag.Shorthand)
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("log-level"))
}

// setWatchFlags sets the package-level flag values for one test.
func setWatchFlags(t *testing.T, path, baseURL, transport string) {
	t.Helper()
	oldPath, oldBase, oldTransport, oldToken := configPath, watchBaseURL, watchTransport, watchToken
	t.Cleanup(func() {
		configPath, watchBaseURL, watchTransport, watchToken = oldPath, oldBase, oldTransport, oldToken
	})
	configPath, watchBaseURL, watchTransport, watchToken = path, baseURL, transport, ""
}

func TestLoadWatchConfig(t *testing.T) {
	t.Setenv(config.EnvToken, "env-token")
	missing := filepath.Join(t.TempDir(), config.DefaultConfigFile)

	t.Run("base url required", func(t *testing.T) {
		setWatchFlags(t, missing, "", "")
		_, err := loadWatchConfig()
		require.Error(t, err)
		assert.True(t, config.IsValidationError(err))
		assert.Contains(t, err.Error(), "base_url")
	})

	t.Run("flags override", func(t *testing.T) {
		setWatchFlags(t, missing, "http://127.0.0.1:8080", "websocket")
		cfg, err := loadWatchConfig()
		require.NoError(t, err)
		assert.Equal(t, "http://127.0.0.1:8080", cfg.BaseURL)
		assert.Equal(t, "websocket", cfg.Transport)
		assert.Equal(t, "env-token", cfg.Token)
	})

	t.Run("invalid transport", func(t *testing.T) {
		setWatchFlags(t, missing, "http://127.0.0.1:8080", "carrier-pigeon")
		_, err := loadWatchConfig()
		assert.True(t, config.IsValidationError(err))
	})
}

func fastConfig(baseURL, token string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Token = token
	cfg.PollingIntervalMs = 20
	cfg.MaxReconnectAttempts = 2
	cfg.ReconnectBaseMs = 1
	cfg.ReconnectCapMs = 5
	cfg.MaxTimeoutMs = 5000
	cfg.AnimatorStepPerTick = 5
	cfg.AnimatorTickMs = 5
	cfg.MessageRotationMs = 20
	cfg.CompletionSettleMs = 0
	return &cfg
}

func startSimulator(t *testing.T, script jobsim.Script) (*jobsim.Simulator, string) {
	t.Helper()
	sim := jobsim.New(
		jobsim.WithLogger(logging.NewWithWriter(io.Discard)),
		jobsim.WithToken("sim-token"),
		jobsim.WithScript(script),
	)
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(func() {
		sim.Close()
		srv.Close()
	})
	return sim, srv.URL
}

func fastScript() jobsim.Script {
	script := jobsim.DefaultScript()
	script.Interval = 5 * time.Millisecond
	script.Increment = 50
	return script
}

func TestWatchJob_Completes(t *testing.T) {
	for _, tc := range []struct {
		name string
		opts watchOptions
		cfg  func(*config.Config)
	}{
		{name: "sse"},
		{name: "websocket", cfg: func(c *config.Config) { c.Transport = "websocket" }},
		{name: "poll only", opts: watchOptions{PollOnly: true}},
		{name: "status api", opts: watchOptions{StatusToken: "local"}, cfg: func(c *config.Config) { c.StatusAddr = "127.0.0.1:0" }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sim, base := startSimulator(t, fastScript())
			cfg := fastConfig(base, "sim-token")
			if tc.cfg != nil {
				tc.cfg(cfg)
			}

			var out bytes.Buffer
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := watchJob(ctx, cfg, sim.CreateJob(), tc.opts, &out, logging.NewWithWriter(io.Discard))
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSpace(out.String()), "\n")
			require.GreaterOrEqual(t, len(lines), 3)
			assert.True(t, strings.HasPrefix(lines[0], "Watching job "))
			assert.Equal(t, "Itinerary ready.", lines[len(lines)-1])
			assert.True(t, strings.HasPrefix(lines[len(lines)-2], "100%"), "last view: %q", lines[len(lines)-2])
		})
	}
}

func TestWatchJob_Failure(t *testing.T) {
	script := fastScript()
	script.FailStage = "places"
	script.FailAt = 50
	sim, base := startSimulator(t, script)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := watchJob(ctx, fastConfig(base, "sim-token"), sim.CreateJob(), watchOptions{}, &out, logging.NewWithWriter(io.Discard))
	require.Error(t, err)

	var jf *job.JobFailure
	require.ErrorAs(t, err, &jf)
	assert.Equal(t, job.ReasonStageFailed, jf.Reason)
	assert.Contains(t, err.Error(), "failed")
}

func TestWatchJob_CancelIsNotAnError(t *testing.T) {
	script := fastScript()
	script.StallAfter = 1
	sim, base := startSimulator(t, script)

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	ctx, stop := context.WithCancel(ctx)
	go func() {
		time.Sleep(50 * time.Millisecond)
		stop()
	}()

	err := watchJob(ctx, fastConfig(base, "sim-token"), sim.CreateJob(), watchOptions{}, &out, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Stopped.")
}

func TestWatchJob_JSONOutput(t *testing.T) {
	sim, base := startSimulator(t, fastScript())

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := watchJob(ctx, fastConfig(base, "sim-token"), sim.CreateJob(), watchOptions{JSON: true}, &out, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		assert.True(t, strings.HasPrefix(line, "{"), "non-JSON line %q", line)
	}
}
