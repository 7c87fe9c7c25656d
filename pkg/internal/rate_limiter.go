package internal

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// cleanupEvery triggers expired-bucket sweeps every N allow calls.
	cleanupEvery = 100
	// cleanupAtSize triggers a sweep whenever the bucket map grows past this.
	cleanupAtSize = 200
)

// RateLimiter caps requests per client IP over a sliding window. It is
// in-memory only, so limits apply per process.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
	calls   int // allow calls since the last counter reset
}

type bucket struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter returns a limiter allowing limit requests per window per IP.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()

	rl.calls++
	if rl.calls%cleanupEvery == 0 || len(rl.buckets) > cleanupAtSize {
		rl.sweep(now)
		if rl.calls >= cleanupEvery*10 {
			rl.calls = 0
		}
	}

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true
	}

	if b.count >= rl.limit {
		return false
	}
	b.count++
	return true
}

// sweep drops buckets whose window has passed. Caller must hold mu.
func (rl *RateLimiter) sweep(now time.Time) {
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

// Cleanup removes all expired buckets. Useful from a background goroutine
// when traffic is too sparse to trigger the inline sweeps.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.sweep(time.Now())
}

// Middleware rejects requests over the per-IP limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(ClientIP(r)) {
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the originating client address, preferring the first
// entry of X-Forwarded-For when a proxy set it.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	return r.RemoteAddr
}
