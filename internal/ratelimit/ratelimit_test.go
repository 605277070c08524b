package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(rpm, burst int) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(Config{RequestsPerMinute: rpm, BurstSize: burst, IdleTTL: time.Minute}).WithClock(clock.now)
	return l, clock
}

func TestLimiter_BurstThenDeny(t *testing.T) {
	l, clock := newTestLimiter(60, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("a"), "request %d within burst", i)
	}
	assert.False(t, l.Allow("a"))

	clock.advance(time.Second)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_ClientsIndependent(t *testing.T) {
	l, _ := newTestLimiter(60, 3)

	for i := 0; i < 3; i++ {
		l.Allow("a")
	}
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestLimiter_RefillCappedAtBurst(t *testing.T) {
	l, clock := newTestLimiter(600, 2)

	l.Allow("a")
	clock.advance(time.Hour)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(0, 1)
	assert.False(t, l.Enabled())
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("a"))
	}
	assert.Equal(t, 0, l.Len())
}

func TestLimiter_EvictIdle(t *testing.T) {
	l, clock := newTestLimiter(60, 1)
	l.Allow("a")
	clock.advance(30 * time.Second)
	l.Allow("b")

	clock.advance(45 * time.Second)
	l.evict()
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_RunStopsOnCancel(t *testing.T) {
	l := New(Config{RequestsPerMinute: 60, BurstSize: 1, IdleTTL: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l, _ := newTestLimiter(30, 1)

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/cases", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(reviewer string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/v1/cases", nil)
		if reviewer != "" {
			req.Header.Set("X-Reviewer", reviewer)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, do("analyst-1").Code)
	w := do("analyst-1")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limit_exceeded")

	assert.Equal(t, http.StatusOK, do("analyst-2").Code)
	assert.Equal(t, http.StatusOK, do("").Code)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 120, cfg.RequestsPerMinute)
	assert.Equal(t, 20, cfg.BurstSize)
	assert.Equal(t, 2*time.Minute, cfg.IdleTTL)
}
