package mcp

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter admits at most limit attempts per key within each fixed window. A key's window
// starts at its first attempt and restarts on the first attempt at or after windowStart+window.
// Rejections are immediate; nothing is queued.
type RateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	budgets map[string]*rateBudget
}

type rateBudget struct {
	windowStart time.Time
	count       int
}

// RateLimitOption represents the options for the RateLimit middleware.
type RateLimitOption func(*rateLimitHandler)

type rateLimitHandler struct {
	limiter *RateLimiter
	exempt  map[string]struct{}
	now     func() time.Time
	logger  *slog.Logger
	next    http.Handler
}

// NewRateLimiter creates a RateLimiter admitting limit attempts per window for every key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  window,
		budgets: make(map[string]*rateBudget),
	}
}

// Admit records an attempt for key at now and reports whether it is within the key's budget.
func (l *RateLimiter) Admit(key string, now time.Time) bool {
	ok, _ := l.admit(key, now)
	return ok
}

// admit returns, on rejection, how long until the key's window restarts.
func (l *RateLimiter) admit(key string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.budgets[key]
	if !ok {
		b = &rateBudget{windowStart: now}
		l.budgets[key] = b
	}
	if !now.Before(b.windowStart.Add(l.window)) {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= l.limit {
		return false, b.windowStart.Add(l.window).Sub(now)
	}
	b.count++
	return true, 0
}

// Prune drops the budgets whose window has expired at now. A pruned key starts a fresh
// window on its next attempt, exactly as it would have without pruning.
func (l *RateLimiter) Prune(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.budgets {
		if !now.Before(b.windowStart.Add(l.window)) {
			delete(l.budgets, key)
		}
	}
}

// Run prunes expired budgets once per window until ctx is done.
func (l *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Prune(now)
		}
	}
}

// WithExemptPaths sets the request paths that bypass the limiter. By default no path is exempt.
func WithExemptPaths(paths ...string) RateLimitOption {
	return func(h *rateLimitHandler) {
		for _, p := range paths {
			h.exempt[p] = struct{}{}
		}
	}
}

// WithRateLimitClock replaces time.Now as the source of attempt timestamps.
func WithRateLimitClock(now func() time.Time) RateLimitOption {
	return func(h *rateLimitHandler) {
		h.now = now
	}
}

// WithRateLimitLogger sets the logger used to report rejected attempts.
func WithRateLimitLogger(logger *slog.Logger) RateLimitOption {
	return func(h *rateLimitHandler) {
		h.logger = logger.With(slog.String("component", "ratelimit"))
	}
}

// RateLimit returns a middleware that keys every request on the remote host and answers
// 429 Too Many Requests, with a Retry-After header, when the key is over budget. A rejected
// request never reaches the wrapped handler.
func RateLimit(limiter *RateLimiter, options ...RateLimitOption) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		h := &rateLimitHandler{
			limiter: limiter,
			exempt:  make(map[string]struct{}),
			now:     time.Now,
			logger:  slog.Default(),
			next:    next,
		}
		for _, opt := range options {
			opt(h)
		}
		return h
	}
}

func (h *rateLimitHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.exempt[r.URL.Path]; ok {
		h.next.ServeHTTP(w, r)
		return
	}

	key := remoteHost(r)
	ok, retryAfter := h.limiter.admit(key, h.now())
	if !ok {
		h.logger.Warn("rate limit exceeded",
			slog.String("remote", key),
			slog.String("path", r.URL.Path))
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	h.next.ServeHTTP(w, r)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
