package internal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowWithinLimit(t *testing.T) {
	limiter := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("10.0.0.1"))
	}
	assert.False(t, limiter.allow("10.0.0.1"))

	// other IPs are unaffected
	assert.True(t, limiter.allow("10.0.0.2"))
}

func TestRateLimiter_WindowResets(t *testing.T) {
	window := 20 * time.Millisecond
	limiter := NewRateLimiter(1, window)

	require.True(t, limiter.allow("10.0.0.1"))
	require.False(t, limiter.allow("10.0.0.1"))

	time.Sleep(window + 10*time.Millisecond)
	assert.True(t, limiter.allow("10.0.0.1"))
}

func TestRateLimiter_SweepRemovesExpiredBuckets(t *testing.T) {
	limiter := NewRateLimiter(10, time.Minute)

	now := time.Now()
	limiter.buckets["10.0.0.1"] = &bucket{count: 5, resetAt: now.Add(-time.Second)}
	limiter.buckets["10.0.0.2"] = &bucket{count: 3, resetAt: now.Add(time.Minute)}

	limiter.sweep(now)

	assert.NotContains(t, limiter.buckets, "10.0.0.1")
	assert.Contains(t, limiter.buckets, "10.0.0.2")
}

func TestRateLimiter_BucketMapStaysBounded(t *testing.T) {
	window := 20 * time.Millisecond
	limiter := NewRateLimiter(10, window)

	for i := 0; i < cleanupAtSize+50; i++ {
		limiter.allow(fmt.Sprintf("10.%d.%d.1", i/256, i%256))
	}

	time.Sleep(window + 10*time.Millisecond)
	limiter.Cleanup()

	// everything expired, only buckets created after Cleanup may remain
	assert.LessOrEqual(t, len(limiter.buckets), 1)
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	deliver := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, deliver("192.0.2.1:1234"))
	assert.Equal(t, http.StatusOK, deliver("192.0.2.1:1234"))
	assert.Equal(t, http.StatusTooManyRequests, deliver("192.0.2.1:1234"))
	assert.Equal(t, http.StatusOK, deliver("192.0.2.7:1234"))
}

func TestClientIP_PrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhook", http.NoBody)
	req.RemoteAddr = "10.0.0.1:5555"

	assert.Equal(t, "10.0.0.1:5555", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}
