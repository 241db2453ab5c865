package statusapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/session"
)

type fakeController struct {
	view      session.View
	canFinish bool
	continues atomic.Int32
	retries   atomic.Int32
}

func (f *fakeController) View() session.View { return f.view }

func (f *fakeController) ContinueManually() bool {
	f.continues.Add(1)
	return f.canFinish
}

func (f *fakeController) RetryStream() { f.retries.Add(1) }

func newTestServer(t *testing.T, token string, ctrl Controller) http.Handler {
	t.Helper()
	s, err := NewServer(&Config{Token: token}, ctrl, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)
	return s.Handler()
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNewServer_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewServer(nil, &fakeController{}, nil)
	assert.Error(t, err)

	_, err = NewServer(&Config{}, nil, nil)
	assert.Error(t, err)
}

func TestServer_Health(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "secret", &fakeController{})
	rec := do(h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "secret", &fakeController{})
	rec := do(h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "itinerant_sessions_active")
}

func TestServer_Progress(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{view: session.View{
		JobID:           "job-1",
		ShownProgress:   40,
		OverallProgress: 47,
		OverallStatus:   job.StatusRunning,
		StageMessage:    "Finding places to visit",
		Agents:          job.AgentsSummary{Completed: 1, Total: 3},
	}}
	h := newTestServer(t, "", ctrl)

	rec := do(h, http.MethodGet, "/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got session.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, ctrl.view.JobID, got.JobID)
	assert.Equal(t, 40.0, got.ShownProgress)
	assert.Equal(t, 47, got.OverallProgress)
	assert.Equal(t, job.StatusRunning, got.OverallStatus)
	assert.Equal(t, 3, got.Agents.Total)
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, "secret", &fakeController{})

	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/progress", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/progress", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/progress", "secret").Code)

	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	req.Header.Set("Authorization", "Basic c2VjcmV0")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_BlocksRepeatedFailures(t *testing.T) {
	t.Parallel()

	s, err := NewServer(&Config{
		Token:     "secret",
		RateLimit: RateLimitConfig{BlockAfter: 3, BlockTime: time.Hour},
	}, &fakeController{}, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)
	h := s.Handler()

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, "/progress", "wrong").Code)
	}
	rec := do(h, http.MethodGet, "/progress", "secret")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Public endpoints stay reachable.
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/healthz", "").Code)
}

func TestServer_Continue(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	h := newTestServer(t, "", ctrl)

	rec := do(h, http.MethodPost, "/continue", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted":false`)

	ctrl.canFinish = true
	rec = do(h, http.MethodPost, "/continue", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	assert.Equal(t, int32(2), ctrl.continues.Load())

	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodGet, "/continue", "").Code)
}

func TestServer_Retry(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	h := newTestServer(t, "", ctrl)
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/retry", "").Code)
	assert.Equal(t, int32(1), ctrl.retries.Load())
}

func TestServer_StartStop(t *testing.T) {
	s, err := NewServer(&Config{Addr: "127.0.0.1:0"}, &fakeController{}, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool { return s.ListenAddr() != "" }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Get("http://" + s.ListenAddr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.True(t, strings.Contains(string(body), "ok"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	assert.Error(t, s.Start(context.Background()), "a stopped server does not restart")
}

func TestServer_ActionsAreRateLimited(t *testing.T) {
	t.Parallel()

	ctrl := &fakeController{}
	s, err := NewServer(&Config{ActionLimit: 2}, ctrl, logging.NewWithWriter(io.Discard))
	require.NoError(t, err)
	h := s.Handler()

	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/retry", "").Code)
	assert.Equal(t, http.StatusAccepted, do(h, http.MethodPost, "/retry", "").Code)
	rec := do(h, http.MethodPost, "/retry", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(2), ctrl.retries.Load())

	// Reads are not limited.
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/progress", "").Code)
	}
}
