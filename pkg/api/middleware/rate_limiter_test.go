package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time { return c.t }

func newLimiter(rpm, burst int) (*RateLimiter, *stepClock) {
	clock := &stepClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerMinute: rpm, BurstSize: burst, CleanupInterval: time.Minute})
	rl.now = clock.now
	return rl, clock
}

func TestRateLimiter_BurstThenBlock(t *testing.T) {
	rl, _ := newLimiter(60, 2)

	assert.True(t, rl.Allow("client1"))
	assert.True(t, rl.Allow("client1"))
	assert.False(t, rl.Allow("client1"), "burst exhausted")
	assert.True(t, rl.Allow("client2"), "clients are tracked separately")
}

func TestRateLimiter_Refills(t *testing.T) {
	rl, clock := newLimiter(60, 1)

	assert.True(t, rl.Allow("c"))
	assert.False(t, rl.Allow("c"))

	clock.t = clock.t.Add(time.Second)
	assert.True(t, rl.Allow("c"))
}

func TestRateLimiter_EvictsIdleClients(t *testing.T) {
	rl, clock := newLimiter(60, 1)
	rl.Allow("c")

	clock.t = clock.t.Add(2 * time.Minute)
	rl.evictIdle()
	assert.Empty(t, rl.clients)
}

func TestRateLimiter_CleanupStopsWithContext(t *testing.T) {
	rl, _ := newLimiter(60, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rl.RunCleanup(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl, _ := newLimiter(60, 1)
	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
