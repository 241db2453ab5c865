package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
)

// collector records handler callbacks. Sources call them on the Stream
// goroutine, so it is read only after Stream returns.
type collector struct {
	opens   int
	signals []job.AgentSignal
	control []Frame
}

func (c *collector) handler() Handler {
	return Handler{
		OnOpen:    func() { c.opens++ },
		OnSignal:  func(s job.AgentSignal) { c.signals = append(c.signals, s) },
		OnControl: func(f Frame) { c.control = append(c.control, f) },
	}
}

func quietLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard)
}

func TestSSESource_Stream(t *testing.T) {
	type seen struct{ auth, accept, path string }
	requests := make(chan seen, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests <- seen{r.Header.Get("Authorization"), r.Header.Get("Accept"), r.URL.Path}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: connected\n\n")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "event: agents\ndata: {\"agents\":[\"planner\",\"places\"]}\n\n")
		fmt.Fprint(w, "event: agent\ndata: {\"kind\":\"planner\",\"status\":\"running\",\"progress\":30}\n\n")
		fmt.Fprint(w, "event: agent\ndata: {\"kind\":\n\n")
		fmt.Fprint(w, "id: 7\nevent: agent\ndata: {\"kind\":\"planner\",\n")
		fmt.Fprint(w, "data: \"status\":\"completed\"}\n\n")
		fmt.Fprint(w, "event: complete\ndata: {}\n\n")
	}))
	defer server.Close()

	src := NewSSESource(server.URL+"/", WithAuthToken("secret"), WithLogger(quietLogger()))
	assert.Equal(t, TransportSSE, src.Transport())
	assert.Equal(t, server.URL, src.BaseURL())

	var c collector
	err := src.Stream(context.Background(), "job 1", c.handler())

	// The server ending the body is a dead channel.
	require.Error(t, err)
	assert.True(t, job.IsConnectionError(err))
	assert.ErrorIs(t, err, ErrStreamClosed)

	req := <-requests
	assert.Equal(t, "Bearer secret", req.auth)
	assert.Equal(t, "text/event-stream", req.accept)
	assert.Equal(t, "/api/jobs/job 1/events", req.path)

	assert.Equal(t, 1, c.opens)
	require.Len(t, c.signals, 2, "malformed frame dropped")
	assert.Equal(t, job.AgentSignal{Stage: "planner", Status: job.StageRunning, Progress: 30}, c.signals[0])
	assert.Equal(t, job.StageCompleted, c.signals[1].Status)

	kinds := make([]FrameKind, len(c.control))
	for i, f := range c.control {
		kinds[i] = f.Kind
	}
	assert.Equal(t, []FrameKind{FrameConnected, FrameAgents, FrameComplete}, kinds)
}

func TestSSESource_NonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such job", http.StatusNotFound)
	}))
	defer server.Close()

	src := NewSSESource(server.URL, WithLogger(quietLogger()))
	var c collector
	err := src.Stream(context.Background(), "missing", c.handler())

	assert.True(t, job.IsConnectionError(err))
	assert.Contains(t, err.Error(), "404")
	assert.Equal(t, 0, c.opens, "never opened")
}

func TestSSESource_ConnectFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	src := NewSSESource(url, WithLogger(quietLogger()))
	err := src.Stream(context.Background(), "job-1", Handler{})
	assert.True(t, job.IsConnectionError(err))
}

func TestSSESource_CancelReturnsNil(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: connected\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	opened := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	src := NewSSESource(server.URL, WithLogger(quietLogger()))
	go func() {
		result <- src.Stream(ctx, "job-1", Handler{OnOpen: func() { close(opened) }})
	}()

	select {
	case <-opened:
	case <-time.After(2 * time.Second):
		t.Fatal("stream never opened")
	}
	cancel()

	select {
	case err := <-result:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not return after cancel")
	}
}

func TestNew(t *testing.T) {
	src, err := New(TransportSSE, "http://jobs.local")
	require.NoError(t, err)
	assert.IsType(t, &SSESource{}, src)

	src, err = New("ws", "http://jobs.local")
	require.NoError(t, err)
	assert.IsType(t, &WebSocketSource{}, src)

	_, err = New("carrier-pigeon", "http://jobs.local")
	assert.Error(t, err)
}
