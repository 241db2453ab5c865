package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/metrics"
)

// WebSocketSource reads a job's channel from {base}/api/jobs/{id}/ws. Each
// text message is either the plain text "connected" or a JSON envelope
// {"type": kind, "data": payload}.
type WebSocketSource struct {
	baseURL   string
	authToken string
	dialer    *websocket.Dialer
	logger    *logging.Logger
}

// NewWebSocketSource creates a WebSocketSource for the given http(s) or
// ws(s) base URL.
func NewWebSocketSource(baseURL string, opts ...Option) *WebSocketSource {
	o := buildOptions(opts)
	return &WebSocketSource{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		authToken: o.authToken,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: o.logger,
	}
}

// Transport implements Source.
func (s *WebSocketSource) Transport() Transport {
	return TransportWebSocket
}

func (s *WebSocketSource) endpoint(jobID job.ID) string {
	base := s.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return fmt.Sprintf("%s/api/jobs/%s/ws", base, url.PathEscape(string(jobID)))
}

// Stream implements Source.
func (s *WebSocketSource) Stream(ctx context.Context, jobID job.ID, h Handler) error {
	header := http.Header{}
	if s.authToken != "" {
		header.Set("Authorization", "Bearer "+s.authToken)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.endpoint(jobID), header)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		metrics.IncStreamConnect(string(TransportWebSocket), false)
		if resp != nil {
			return connErr("connect", fmt.Errorf("handshake status %d: %w", resp.StatusCode, err))
		}
		return connErr("connect", err)
	}
	defer conn.Close()

	metrics.IncStreamConnect(string(TransportWebSocket), true)
	h.open()

	// Unblock ReadMessage when the caller cancels.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return connErr("read", ErrStreamClosed)
			}
			return connErr("read", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, perr := ParseEnvelope(data)
		dispatch(s.logger, TransportWebSocket, h, f, perr)
	}
}
