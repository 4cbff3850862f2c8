package webrtcsignal

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitCleanupInterval and rateLimitMaxAge bound the per-IP limiter
// table's memory growth under sustained long-poll traffic from many peers.
const (
	rateLimitCleanupInterval = 5 * time.Minute
	rateLimitMaxAge          = 10 * time.Minute
)

// ipLimitEntry tracks a per-IP token bucket and when it was last used.
type ipLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipRateLimiter rate-limits the WebRTC relay's HTTP surface per source
// IP. The SIP cores use the counter/ban-table shape of the Abuse Filter
// instead; this HTTP surface has no SIP semantics to key a ban reason on,
// so a plain token bucket per IP fits.
type ipRateLimiter struct {
	mu      sync.Mutex
	entries map[string]*ipLimitEntry
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	stopCh  chan struct{}
}

// newIPRateLimiter creates a limiter allowing limit requests/second with
// the given burst, per source IP, and starts its background cleanup loop.
func newIPRateLimiter(limit rate.Limit, burst int, logger *slog.Logger) *ipRateLimiter {
	rl := &ipRateLimiter{
		entries: make(map[string]*ipLimitEntry),
		limit:   limit,
		burst:   burst,
		logger:  logger.With("subsystem", "webrtcsignal_ratelimit"),
		stopCh:  make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

// allow reports whether a request from ip may proceed, consuming a token if
// so.
func (rl *ipRateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	entry, ok := rl.entries[ip]
	if !ok {
		entry = &ipLimitEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	rl.mu.Unlock()

	return entry.limiter.Allow()
}

func (rl *ipRateLimiter) stop() { close(rl.stopCh) }

func (rl *ipRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rateLimitCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *ipRateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rateLimitMaxAge)
	removed := 0
	for ip, entry := range rl.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.entries))
	}
}

// rateLimit is HTTP middleware applying rl per client IP, rejecting
// over-limit requests with 429.
func rateLimit(rl *ipRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !rl.allow(ip) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
