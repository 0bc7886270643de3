package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(t *testing.T, rpm, burst int) (*Limiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Hour}).WithClock(clock.Now)
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("test-ip"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("test-ip"), "request after burst")

	// 60/min refills one token per second
	clock.Advance(time.Second)
	assert.True(t, l.Allow("test-ip"))
	assert.False(t, l.Allow("test-ip"))
}

func TestLimiterMultipleClients(t *testing.T) {
	l, _ := newTestLimiter(t, 60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	assert.False(t, l.Allow("client-a"))
	assert.True(t, l.Allow("client-b"))
}

func TestLimiterRefillCapsAtBurst(t *testing.T) {
	l, clock := newTestLimiter(t, 600, 2)

	l.Allow("k")
	clock.Advance(time.Hour)
	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestLimiterEvictIdle(t *testing.T) {
	l, clock := newTestLimiter(t, 60, 1)

	l.Allow("old")
	clock.Advance(3 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.evictIdle(2*time.Minute))
	assert.True(t, l.Allow("old"), "evicted key starts with a full bucket")
}

func TestLimiterStopIsIdempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestMiddleware_RejectsWithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(t, 30, 1)

	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set("operator", "ops"); c.Next() })
	r.Use(l.Middleware(ByOperatorOrIP("operator")))
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
}

func TestByOperatorOrIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.RemoteAddr = "10.1.2.3:5555"

	key, kind := ByOperatorOrIP("operator")(c)
	assert.Equal(t, "ip:10.1.2.3", key)
	assert.Equal(t, "ip", kind)

	c.Set("operator", "night-batch")
	key, kind = ByOperatorOrIP("operator")(c)
	assert.Equal(t, "op:night-batch", key)
	assert.Equal(t, "operator", kind)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 300, cfg.RequestsPerMinute)
	assert.Equal(t, 30, cfg.BurstSize)
	assert.Equal(t, time.Minute, cfg.CleanupInterval)
}
