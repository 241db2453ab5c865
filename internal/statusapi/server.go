package statusapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thruflo/itinerant/internal/logging"
	"github.com/thruflo/itinerant/internal/session"
)

// Controller is the part of a session the API exposes. *session.Session
// satisfies it.
type Controller interface {
	View() session.View
	ContinueManually() bool
	RetryStream()
}

// Config holds server configuration options.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:9400". Port 0 picks a
	// free port.
	Addr string
	// Token, when set, is required on every non-public endpoint.
	Token string
	// RateLimit bounds failed token attempts.
	RateLimit RateLimitConfig
	// ActionLimit caps POST requests per client per minute (default: 10).
	ActionLimit int
}

// DefaultActionLimit is the default ActionLimit.
const DefaultActionLimit = 10

// Server represents the status API for one session.
type Server struct {
	addr   string
	token  string
	ctrl   Controller
	logger *logging.Logger

	limiter     *rateLimiter
	actionLimit int

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	started  bool
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewServer creates a new Server instance.
func NewServer(cfg *Config, ctrl Controller, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if ctrl == nil {
		return nil, errors.New("controller is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	actionLimit := cfg.ActionLimit
	if actionLimit <= 0 {
		actionLimit = DefaultActionLimit
	}
	return &Server{
		addr:        cfg.Addr,
		token:       cfg.Token,
		ctrl:        ctrl,
		logger:      logger,
		limiter:     newRateLimiter(cfg.RateLimit, logger),
		actionLimit: actionLimit,
		stopped:     make(chan struct{}),
	}, nil
}

// Start starts the HTTP server.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.server != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	go s.watch(ctx)

	s.logger.Info("status api listening", "addr", listener.Addr().String())
	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// watch stops the server when ctx ends and prunes the rate limiter.
func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.Stop()
			return
		case <-s.stopped:
			return
		case <-ticker.C:
			s.limiter.cleanup()
		}
	}
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}
	s.started = false
	s.stopOnce.Do(func() { close(s.stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}

// ListenAddr returns the actual address the server is listening on.
// Useful when port 0 is used to get an available port.
// Returns empty string if not started.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the router. Start serves it; tests use it directly.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.withAuth)
		r.Get("/progress", s.handleProgress)
		r.Group(func(r chi.Router) {
			r.Use(httprate.Limit(s.actionLimit, time.Minute,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Retry-After", "60")
					writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate_limit_exceeded"})
				}),
			))
			r.Post("/continue", s.handleContinue)
			r.Post("/retry", s.handleRetry)
		})
	})
	return r
}

// withAuth wraps a handler with authentication middleware.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		ip := extractIP(r)
		if res := s.limiter.check(ip); !res.Allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds()+0.5)))
			http.Error(w, res.Reason, http.StatusTooManyRequests)
			return
		}

		// Expect "Bearer <token>" format
		const bearerPrefix = "Bearer "
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) {
			s.limiter.recordFailure(ip)
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		}
		token := strings.TrimPrefix(header, bearerPrefix)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			s.limiter.recordFailure(ip)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}

		s.limiter.recordSuccess(ip)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.View())
}

type continueResponse struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if s.ctrl.ContinueManually() {
		s.logger.Info("manual continue accepted")
		writeJSON(w, http.StatusOK, continueResponse{Accepted: true})
		return
	}
	writeJSON(w, http.StatusConflict, continueResponse{
		Reason: "manual continue is not available",
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.ctrl.RetryStream()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
