package mcp_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/TangGee/odai-mcp"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	limiter := mcp.NewRateLimiter(3, time.Minute)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !limiter.Admit("10.0.0.1", start.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("attempt %d: expected admission", i)
		}
	}
	if limiter.Admit("10.0.0.1", start.Add(59*time.Second)) {
		t.Fatal("expected rejection once the budget is spent")
	}

	// Other keys have their own budget.
	if !limiter.Admit("10.0.0.2", start.Add(59*time.Second)) {
		t.Fatal("expected a different key to be admitted")
	}

	// The window restarts exactly at windowStart+window, with the admitting attempt counted.
	next := start.Add(time.Minute)
	for i := 0; i < 3; i++ {
		if !limiter.Admit("10.0.0.1", next.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("attempt %d in the fresh window: expected admission", i)
		}
	}
	if limiter.Admit("10.0.0.1", next.Add(59*time.Second)) {
		t.Fatal("expected rejection once the fresh window's budget is spent")
	}
}

func TestRateLimiterRejectionsDoNotExtendWindow(t *testing.T) {
	limiter := mcp.NewRateLimiter(1, 10*time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if !limiter.Admit("k", start) {
		t.Fatal("expected first attempt to be admitted")
	}
	for i := 1; i < 10; i++ {
		if limiter.Admit("k", start.Add(time.Duration(i)*time.Second)) {
			t.Fatalf("attempt at %ds: expected rejection", i)
		}
	}
	if !limiter.Admit("k", start.Add(10*time.Second)) {
		t.Fatal("expected admission after the window")
	}
}

func TestRateLimiterPrune(t *testing.T) {
	limiter := mcp.NewRateLimiter(1, time.Minute)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	limiter.Admit("stale", start)
	limiter.Admit("fresh", start.Add(30*time.Second))

	limiter.Prune(start.Add(time.Minute))

	// A pruned key behaves as if its window had expired.
	if !limiter.Admit("stale", start.Add(time.Minute)) {
		t.Error("expected pruned key to start a fresh window")
	}
	if limiter.Admit("fresh", start.Add(time.Minute)) {
		t.Error("expected live budget to survive pruning")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := mcp.NewRateLimiter(2, time.Minute)

	var reached int
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached++
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name         string
		exempt       []string
		path         string
		attempts     int
		wantLastCode int
		wantReached  int
	}{
		{name: "within budget", path: "/sse", attempts: 2, wantLastCode: http.StatusOK, wantReached: 2},
		{name: "over budget", path: "/sse", attempts: 3, wantLastCode: http.StatusTooManyRequests, wantReached: 2},
		{name: "exempt path", exempt: []string{"/health"}, path: "/health", attempts: 5, wantLastCode: http.StatusOK, wantReached: 5},
		{name: "nothing exempt", path: "/health", attempts: 3, wantLastCode: http.StatusTooManyRequests, wantReached: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reached = 0
			// Every case starts on a fresh window.
			now = now.Add(time.Hour)

			handler := mcp.RateLimit(limiter,
				mcp.WithExemptPaths(tt.exempt...),
				mcp.WithRateLimitClock(func() time.Time { return now }),
			)(next)

			var rec *httptest.ResponseRecorder
			for i := 0; i < tt.attempts; i++ {
				rec = httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			}

			if rec.Code != tt.wantLastCode {
				t.Errorf("expected last status %d, got %d", tt.wantLastCode, rec.Code)
			}
			if reached != tt.wantReached {
				t.Errorf("expected %d requests to reach the handler, got %d", tt.wantReached, reached)
			}
			if tt.wantLastCode == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "60" {
				t.Errorf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRateLimitMiddlewareKeysOnHost(t *testing.T) {
	limiter := mcp.NewRateLimiter(1, time.Minute)
	handler := mcp.RateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	serve := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/sse", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("192.0.2.1:1000"); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	// Same host on a different port shares the budget.
	if code := serve("192.0.2.1:2000"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
	if code := serve("192.0.2.2:1000"); code != http.StatusOK {
		t.Fatalf("expected 200 for another host, got %d", code)
	}
}
