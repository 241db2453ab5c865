package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
)

// SSESource reads a job's channel from GET {base}/api/jobs/{id}/events as
// Server-Sent Events.
type SSESource struct {
	// baseURL is the base URL of the job system (e.g., "http://localhost:8080")
	baseURL string

	httpClient *http.Client
	authToken  string
	logger     *logging.Logger
}

// NewSSESource creates an SSESource for the given base URL.
func NewSSESource(baseURL string, opts ...Option) *SSESource {
	o := buildOptions(opts)
	return &SSESource{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: o.httpClient,
		authToken:  o.authToken,
		logger:     o.logger,
	}
}

// Transport implements Source.
func (s *SSESource) Transport() Transport {
	return TransportSSE
}

// BaseURL returns the base URL of the job system.
func (s *SSESource) BaseURL() string {
	return s.baseURL
}

// Stream implements Source.
func (s *SSESource) Stream(ctx context.Context, jobID job.ID, h Handler) error {
	endpoint := fmt.Sprintf("%s/api/jobs/%s/events", s.baseURL, url.PathEscape(string(jobID)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return connErr("create request", err)
	}
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncStreamConnect(string(TransportSSE), false)
		return connErr("connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		metrics.IncStreamConnect(string(TransportSSE), false)
		return connErr("connect", fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	metrics.IncStreamConnect(string(TransportSSE), true)
	h.open()

	err = s.parseSSEStream(ctx, resp.Body, h)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return connErr("read", err)
	}
	return connErr("read", ErrStreamClosed)
}

// parseSSEStream parses Server-Sent Events from the response body until it
// ends or ctx is canceled.
func (s *SSESource) parseSSEStream(ctx context.Context, body io.Reader, h Handler) error {
	scanner := bufio.NewScanner(body)
	// Increase buffer for potentially large events
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		eventName string
		dataLines []string
	)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := scanner.Text()

		// Empty line signals end of event
		if line == "" {
			if len(dataLines) > 0 || eventName != "" {
				data := strings.Join(dataLines, "\n")
				f, err := ParseFrame(eventName, []byte(data))
				dispatch(s.logger, TransportSSE, h, f, err)
			}
			eventName = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// Comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
		// id: and retry: are ignored; reconnect policy belongs to the supervisor
	}

	return scanner.Err()
}
