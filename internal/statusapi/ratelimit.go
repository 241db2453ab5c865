package statusapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/thruflo/itinerant/internal/logging"
)

// RateLimitConfig holds rate limiting configuration for authenticated
// endpoints.
type RateLimitConfig struct {
	MaxAttempts int           // Maximum failed attempts per window (default: 30)
	Window      time.Duration // Time window for rate limiting (default: 1 minute)
	BlockAfter  int           // Block after this many failed attempts (default: 10)
	BlockTime   time.Duration // Base block duration (default: 1 minute, doubles each block)
}

// DefaultRateLimitConfig returns the default rate limiting configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MaxAttempts: 30,
		Window:      time.Minute,
		BlockAfter:  10,
		BlockTime:   time.Minute,
	}
}

const maxBlock = 24 * time.Hour

// rateLimiter keeps one token bucket per client address. Only failed
// authentications spend tokens, so well-behaved clients are never limited;
// addresses that keep failing are blocked outright.
type rateLimiter struct {
	mu     sync.Mutex
	config RateLimitConfig
	logger *logging.Logger

	limiters map[string]*rate.Limiter
	failures map[string]int
	blocked  map[string]time.Time
}

func newRateLimiter(config RateLimitConfig, logger *logging.Logger) *rateLimiter {
	def := DefaultRateLimitConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.BlockAfter <= 0 {
		config.BlockAfter = def.BlockAfter
	}
	if config.BlockTime <= 0 {
		config.BlockTime = def.BlockTime
	}
	return &rateLimiter{
		config:   config,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
		failures: make(map[string]int),
		blocked:  make(map[string]time.Time),
	}
}

// checkResult represents the result of a rate limit check.
type checkResult struct {
	Allowed    bool
	RetryAfter time.Duration
	IsBlocked  bool
	Reason     string
}

// check reports whether ip may attempt authentication now.
func (rl *rateLimiter) check(ip string) checkResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if expiry, ok := rl.blocked[ip]; ok {
		if now.Before(expiry) {
			return checkResult{
				RetryAfter: expiry.Sub(now),
				IsBlocked:  true,
				Reason:     "too many failed attempts",
			}
		}
		delete(rl.blocked, ip)
	}

	if lim, ok := rl.limiters[ip]; ok {
		if tokens := lim.TokensAt(now); tokens < 1 {
			wait := time.Duration((1 - tokens) / float64(lim.Limit()) * float64(time.Second))
			return checkResult{RetryAfter: wait, Reason: "rate limit exceeded"}
		}
	}
	return checkResult{Allowed: true}
}

// recordSuccess resets the failure counter for ip.
func (rl *rateLimiter) recordSuccess(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.failures, ip)
	delete(rl.blocked, ip)
}

// recordFailure counts a failed authentication. Every BlockAfter failures
// block ip for BlockTime * 2^(blocks-1), capped at 24 hours.
func (rl *rateLimiter) recordFailure(ip string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	lim, ok := rl.limiters[ip]
	if !ok {
		every := rl.config.Window / time.Duration(rl.config.MaxAttempts)
		lim = rate.NewLimiter(rate.Every(every), rl.config.MaxAttempts)
		rl.limiters[ip] = lim
	}
	lim.AllowN(time.Now(), 1)

	rl.failures[ip]++
	n := rl.failures[ip]
	if n < rl.config.BlockAfter {
		return
	}

	blocks := (n - rl.config.BlockAfter) / rl.config.BlockAfter
	d := rl.config.BlockTime
	for i := 0; i < blocks && d < maxBlock; i++ {
		d *= 2
	}
	if d > maxBlock {
		d = maxBlock
	}
	rl.blocked[ip] = time.Now().Add(d)
	rl.logger.Warn("status api client blocked", "ip", ip, "failures", n, "duration", d.String())
}

// cleanup drops state for clients that are neither blocked nor failing.
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for ip, expiry := range rl.blocked {
		if now.After(expiry) {
			delete(rl.blocked, ip)
		}
	}
	for ip, lim := range rl.limiters {
		_, failing := rl.failures[ip]
		_, blocked := rl.blocked[ip]
		if !failing && !blocked && lim.TokensAt(now) >= float64(rl.config.MaxAttempts) {
			delete(rl.limiters, ip)
		}
	}
}

// extractIP returns the client address. Forwarding headers are ignored:
// the API binds locally and is not meant to sit behind a proxy.
func extractIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RemoteAddr might not have a port
		return r.RemoteAddr
	}
	return ip
}
