package middleware

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiterConfig holds rate limiter configuration
type RateLimiterConfig struct {
	RequestsPerMinute int
	BurstSize         int
	CleanupInterval   time.Duration
}

func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   5 * time.Minute,
	}
}

type clientBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter is a per-client token bucket.
type RateLimiter struct {
	mu        sync.Mutex
	clients   map[string]*clientBucket
	config    RateLimiterConfig
	rate      float64 // tokens per second
	maxTokens float64
	now       func() time.Time
}

func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*clientBucket),
		config:    config,
		rate:      float64(config.RequestsPerMinute) / 60.0,
		maxTokens: float64(config.BurstSize),
		now:       time.Now,
	}
}

// RunCleanup drops idle clients every CleanupInterval until ctx ends.
func (rl *RateLimiter) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	cutoff := rl.now().Add(-rl.config.CleanupInterval)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, bucket := range rl.clients {
		bucket.mu.Lock()
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.clients, key)
		}
		bucket.mu.Unlock()
	}
}

// Allow reports whether clientID may make a request now.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := rl.now()

	rl.mu.Lock()
	bucket, ok := rl.clients[clientID]
	if !ok {
		bucket = &clientBucket{tokens: rl.maxTokens, lastRefill: now}
		rl.clients[clientID] = bucket
	}
	rl.mu.Unlock()

	bucket.mu.Lock()
	defer bucket.mu.Unlock()

	bucket.tokens += now.Sub(bucket.lastRefill).Seconds() * rl.rate
	if bucket.tokens > rl.maxTokens {
		bucket.tokens = rl.maxTokens
	}
	bucket.lastRefill = now

	if bucket.tokens >= 1 {
		bucket.tokens--
		return true
	}
	return false
}

// Middleware rejects clients over their budget with 429.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}
