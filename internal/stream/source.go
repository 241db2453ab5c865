package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
)

// Transport names a Source implementation.
type Transport string

const (
	TransportSSE       Transport = "sse"
	TransportWebSocket Transport = "websocket"
)

// ErrStreamClosed is reported when the server ends the channel.
var ErrStreamClosed = errors.New("stream closed by server")

// Handler receives what a Source reads from its channel. Callbacks run on
// the Source's goroutine; nil callbacks are skipped.
type Handler struct {
	// OnOpen is called once the channel is established.
	OnOpen func()
	// OnSignal is called for every per-stage signal.
	OnSignal func(job.AgentSignal)
	// OnControl is called for every other frame, including FrameConnected.
	OnControl func(Frame)
}

func (h Handler) deliver(f *Frame) {
	if f.Kind == FrameAgent && f.Signal != nil {
		if h.OnSignal != nil {
			h.OnSignal(*f.Signal)
		}
		return
	}
	if h.OnControl != nil {
		h.OnControl(*f)
	}
}

func (h Handler) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

// Source delivers the push channel of one job.
//
// Stream opens the channel and blocks while it is alive. It returns nil when
// ctx is canceled and a *job.ConnectionError when the channel dies; the
// channel is then dead until Stream is called again. Implementations never
// retry and never return frame parse errors.
type Source interface {
	Stream(ctx context.Context, jobID job.ID, h Handler) error
	Transport() Transport
}

// Option configures a Source.
type Option func(*options)

type options struct {
	authToken  string
	httpClient *http.Client
	logger     *logging.Logger
}

// WithAuthToken sets the bearer token sent when opening the channel.
func WithAuthToken(token string) Option {
	return func(o *options) {
		o.authToken = token
	}
}

// WithHTTPClient sets a custom HTTP client for the SSE transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithLogger sets the logger used for dropped frames.
func WithLogger(logger *logging.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{
		httpClient: &http.Client{
			Timeout: 0, // No timeout for streaming connections
		},
		logger: logging.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New returns the Source for transport.
func New(transport Transport, baseURL string, opts ...Option) (Source, error) {
	switch Transport(strings.ToLower(string(transport))) {
	case TransportSSE, "":
		return NewSSESource(baseURL, opts...), nil
	case TransportWebSocket, "ws":
		return NewWebSocketSource(baseURL, opts...), nil
	}
	return nil, fmt.Errorf("unknown stream transport %q", transport)
}

// dispatch parses one raw frame and hands it to h, dropping malformed
// frames with a log entry.
func dispatch(logger *logging.Logger, transport Transport, h Handler, f *Frame, err error) {
	if err != nil {
		metrics.IncMalformedFrame(string(transport))
		logger.Warn("dropping malformed frame", "transport", string(transport), "error", err)
		return
	}
	metrics.IncFrame(string(transport), string(f.Kind))
	h.deliver(f)
}

func connErr(op string, err error) error {
	return &job.ConnectionError{Op: op, Err: err}
}
