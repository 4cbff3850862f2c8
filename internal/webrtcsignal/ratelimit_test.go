package webrtcsignal

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestIPRateLimiterAllow(t *testing.T) {
	rl := newIPRateLimiter(rate.Limit(2), 2, testLogger())
	defer rl.stop()

	if !rl.allow("192.168.1.1") {
		t.Fatal("expected first request to be allowed")
	}
	if !rl.allow("192.168.1.1") {
		t.Fatal("expected second request to be allowed")
	}
	if rl.allow("192.168.1.1") {
		t.Fatal("expected third request to exceed burst")
	}
	if !rl.allow("192.168.1.2") {
		t.Fatal("expected a different IP to be allowed")
	}
}

func TestIPRateLimiterCleanup(t *testing.T) {
	rl := newIPRateLimiter(rate.Limit(10), 10, testLogger())
	defer rl.stop()

	rl.allow("10.0.0.1")

	rl.mu.Lock()
	count := len(rl.entries)
	rl.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	// Force the entry to look stale without waiting on rateLimitMaxAge.
	rl.mu.Lock()
	rl.entries["10.0.0.1"].lastSeen = time.Now().Add(-rateLimitMaxAge - time.Second)
	rl.mu.Unlock()

	rl.cleanup()

	rl.mu.Lock()
	count = len(rl.entries)
	rl.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected 0 entries after cleanup, got %d", count)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newIPRateLimiter(rate.Limit(1), 1, testLogger())
	defer rl.stop()

	handler := rateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/webrtcsignal/b/a/any", nil)
	req.RemoteAddr = "10.0.0.5:12345"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("expected Retry-After header, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := clientIP(r); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
