// Package jobsim is an in-process stand-in for the remote job system. Jobs
// follow a Script through their stages; Faults make each transport
// misbehave.
//
// Endpoints:
//
//	POST /api/jobs                 create a job, returns {"id": ...}
//	GET  /api/jobs/{id}/events     Server-Sent Events
//	GET  /api/jobs/{id}/ws         WebSocket, {"type", "data"} envelopes
//	GET  /api/jobs/{id}/status     JSON status snapshot
package jobsim

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/thruflo/itinerant/internal/job"
	"github.com/thruflo/itinerant/internal/logging"
)

// ErrUnknownJob is returned for job IDs the simulator never created.
var ErrUnknownJob = errors.New("unknown job")

// Option configures a Simulator.
type Option func(*Simulator)

// WithToken requires "Authorization: Bearer <token>" on every endpoint.
func WithToken(token string) Option {
	return func(s *Simulator) { s.token = token }
}

// WithScript sets the script new jobs follow.
func WithScript(script Script) Option {
	return func(s *Simulator) { s.script = script.withDefaults() }
}

// WithFaults sets the injected faults.
func WithFaults(f Faults) Option {
	return func(s *Simulator) { s.faults = f }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Simulator) { s.logger = logger }
}

// Simulator hosts simulated jobs.
type Simulator struct {
	token  string
	script Script
	faults Faults
	logger *logging.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	jobs map[job.ID]*simJob

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a Simulator.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		script: DefaultScript(),
		logger: logging.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		jobs: make(map[job.ID]*simJob),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetFaults replaces the injected faults. Connections already open keep
// the faults they started with.
func (s *Simulator) SetFaults(f Faults) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

func (s *Simulator) currentFaults() Faults {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.faults
}

// CreateJob starts a new job and returns its ID. When the script has an
// interval the job advances on its own until it ends or Close is called.
func (s *Simulator) CreateJob() job.ID {
	id := job.ID(uuid.New().String())
	j := newSimJob(id, s.script)

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	s.logger.Info("simulated job created", "job", id, "stages", len(s.script.Stages))
	if s.script.Interval > 0 {
		s.wg.Add(1)
		go s.drive(j)
	}
	return id
}

// Step advances a job by one increment. It reports false once the job can
// no longer move.
func (s *Simulator) Step(id job.ID) (bool, error) {
	j, err := s.job(id)
	if err != nil {
		return false, err
	}
	return j.step(), nil
}

// Status reports a job's overall status.
func (s *Simulator) Status(id job.ID) (job.Status, error) {
	j, err := s.job(id)
	if err != nil {
		return "", err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, nil
}

func (s *Simulator) job(id job.ID) (*simJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return j, nil
}

func (s *Simulator) drive(j *simJob) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.script.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if !j.step() {
				s.logger.Debug("simulated job stopped advancing", "job", j.id)
				return
			}
		}
	}
}

// Close stops every job driver and ends open stream connections.
func (s *Simulator) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

// Serve serves the simulator on addr until ctx is cancelled. onListen, if
// set, receives the bound address.
func (s *Simulator) Serve(ctx context.Context, addr string, onListen func(net.Addr)) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if onListen != nil {
		onListen(listener.Addr())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	// Streams end on Close, so shut down after it.
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	<-errCh
	return nil
}

// Handler returns the simulator's router.
func (s *Simulator) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Use(s.withAuth)
		r.Post("/", s.handleCreate)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/events", s.handleEvents)
			r.Get("/ws", s.handleWebSocket)
			r.Get("/status", s.handleStatus)
		})
	})
	return r
}

func (s *Simulator) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Simulator) jobFromRequest(w http.ResponseWriter, r *http.Request) (*simJob, bool) {
	j, err := s.job(job.ID(chi.URLParam(r, "id")))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return j, true
}

func (s *Simulator) handleCreate(w http.ResponseWriter, r *http.Request) {
	id := s.CreateJob()
	writeJSON(w, http.StatusCreated, map[string]job.ID{"id": id})
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}
	if s.currentFaults().PollUnavailable {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, j.snapshot())
}

func (s *Simulator) handleEvents(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}
	faults := s.currentFaults()
	if faults.StreamUnavailable {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "event: connected\ndata: connected\n\n")
	flusher.Flush()

	s.follow(r.Context(), j, faults, func(ev Event) error {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
}

func (s *Simulator) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	j, ok := s.jobFromRequest(w, r)
	if !ok {
		return
	}
	faults := s.currentFaults()
	if faults.StreamUnavailable {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// The read loop only notices the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(Event{Type: "connected", Data: struct{}{}}); err != nil {
		return
	}
	s.follow(ctx, j, faults, func(ev Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteJSON(ev)
	})
}

// follow replays a job's events through write and then waits for more.
// It returns when ctx ends, the simulator closes, a write fails or the
// DropAfter fault trips. After a terminal event the connection is held open
// idle, the way a real server would leave it.
func (s *Simulator) follow(ctx context.Context, j *simJob, faults Faults, write func(Event) error) {
	sent, next := 0, 0
	for {
		events, changed := j.since(next)
		next += len(events)
		for _, ev := range events {
			if faults.OmitCompletion && ev.Type == "complete" {
				continue
			}
			if err := write(ev); err != nil {
				s.logger.Debug("stream write failed", "job", j.id, "error", err)
				return
			}
			sent++
			if faults.DropAfter > 0 && sent >= faults.DropAfter {
				s.logger.Debug("dropping stream connection", "job", j.id, "sent", sent)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-changed:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
