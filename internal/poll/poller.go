// Package poll implements the fixed-interval status poller. It runs for the
// whole session regardless of stream health and translates each response
// into the same frames the stream delivers.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
	"github.com/thruflo/itinerant/internal/stream"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 5 * time.Second

// Poller queries GET {base}/api/jobs/{id}/status.
type Poller struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	interval   time.Duration
	logger     *logging.Logger

	// nudges are early polls requested between ticks.
	nudges  chan struct{}
	limiter *rate.Limiter
}

// Option configures a Poller.
type Option func(*Poller)

// WithAuthToken sets the bearer token.
func WithAuthToken(token string) Option {
	return func(p *Poller) {
		p.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Poller) {
		p.httpClient = client
	}
}

// WithInterval sets the poll cadence.
func WithInterval(interval time.Duration) Option {
	return func(p *Poller) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a Poller for the given base URL.
func NewPoller(baseURL string, opts ...Option) *Poller {
	p := &Poller{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		interval:   DefaultInterval,
		logger:     logging.Default(),
		nudges:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	// At most one early poll per half interval.
	p.limiter = rate.NewLimiter(rate.Every(p.interval/2), 1)
	return p
}

// Interval returns the poll cadence.
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// Fetch issues one status request. Transport failures are returned as
// *job.ConnectionError and undecodable bodies as *job.MalformedFrameError.
func (p *Poller) Fetch(ctx context.Context, jobID job.ID) (*Snapshot, error) {
	endpoint := fmt.Sprintf("%s/api/jobs/%s/status", p.baseURL, url.PathEscape(string(jobID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &job.ConnectionError{Op: "create request", Err: err}
	}
	if p.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+p.authToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &job.ConnectionError{Op: "get status", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &job.ConnectionError{
			Op:  "get status",
			Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, &job.MalformedFrameError{Kind: "status", Reason: "failed to decode status response", Err: err}
	}
	return &snap, nil
}

// Nudge requests an early poll. Requests beyond the limiter's budget are
// dropped; the regular cadence is never affected.
func (p *Poller) Nudge() {
	if !p.limiter.Allow() {
		metrics.IncPoll("nudge_limited")
		return
	}
	select {
	case p.nudges <- struct{}{}:
	default:
	}
}

// Run polls immediately and then every interval until ctx is canceled,
// passing each response's frames to deliver. Failures are logged and the
// loop continues. Run always returns nil.
func (p *Poller) Run(ctx context.Context, jobID job.ID, deliver func([]stream.Frame)) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx, jobID, deliver)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-p.nudges:
		}
		p.pollOnce(ctx, jobID, deliver)
	}
}

func (p *Poller) pollOnce(ctx context.Context, jobID job.ID, deliver func([]stream.Frame)) {
	snap, err := p.Fetch(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.IncPoll("error")
		p.logger.Warn("status poll failed", "job", string(jobID), "error", err)
		return
	}
	metrics.IncPoll("success")

	frames := snap.Frames(p.logger)
	for _, f := range frames {
		metrics.IncFrame("poll", string(f.Kind))
	}
	if len(frames) > 0 && ctx.Err() == nil {
		deliver(frames)
	}
}
