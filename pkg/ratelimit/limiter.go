// Package ratelimit throttles inbound webhook deliveries per client and provider.
package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"hookvault/pkg/errors"
	"hookvault/pkg/metrics"
)

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             50.0,
		Burst:           100,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per client IP and provider path segment, so a
// retry storm from one provider does not starve the others.
type Limiter struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	return &Limiter{cfg: cfg, now: time.Now, buckets: make(map[string]*bucket)}
}

// Allow takes a token for key and reports the tokens left.
func (l *Limiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	if !b.limiter.AllowN(now, 1) {
		return false, 0
	}
	return true, max(int(b.limiter.TokensAt(now)), 0)
}

// Sweep drops buckets idle longer than MaxAge and returns how many remain.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.cfg.MaxAge {
			delete(l.buckets, key)
		}
	}
	return len(l.buckets)
}

// Run sweeps idle buckets until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Limiter) Middleware() gin.HandlerFunc {
	limit := strconv.FormatFloat(l.cfg.RPS, 'f', -1, 64)
	return func(c *gin.Context) {
		provider := c.Param("provider")
		allowed, remaining := l.Allow(c.ClientIP() + "|" + provider)

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !allowed {
			metrics.RateLimitRequestsTotal.WithLabelValues(provider, "limited").Inc()
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(errors.ErrRateLimited.Status, errors.ToErrorResponse(errors.ErrRateLimited))
			return
		}
		metrics.RateLimitRequestsTotal.WithLabelValues(provider, "allowed").Inc()
		c.Next()
	}
}
