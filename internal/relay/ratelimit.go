package relay

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter allows limit events per key within a sliding window.
type rateLimiter struct {
	mu      sync.Mutex
	entries map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	times := rl.entries[key]
	valid := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.entries[key] = valid
		return false
	}
	rl.entries[key] = append(valid, now)
	rl.sweepLocked(cutoff)
	return true
}

// sweepLocked drops keys whose newest entry fell out of the window so the
// map does not grow with every address ever seen.
func (rl *rateLimiter) sweepLocked(cutoff time.Time) {
	if len(rl.entries) < 1024 {
		return
	}
	for k, times := range rl.entries {
		if len(times) == 0 || !times[len(times)-1].After(cutoff) {
			delete(rl.entries, k)
		}
	}
}

// remoteIP returns the client address used as the rate limit key.
// X-Forwarded-For is client controlled and only honoured when trustXFF is set.
func remoteIP(r *http.Request, trustXFF bool) string {
	if xff := r.Header.Get("X-Forwarded-For"); trustXFF && xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func rateLimitMiddleware(rl *rateLimiter, trustXFF bool, next http.HandlerFunc) http.HandlerFunc {
	if rl == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(remoteIP(r, trustXFF)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}
