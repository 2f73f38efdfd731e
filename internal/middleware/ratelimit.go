// ratelimit.go provides Gin middleware that enforces per-caller token-bucket rate limits,
// returning 429 responses when the configured requests-per-minute threshold is exceeded.
package middleware

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/organization-manager/organization-manager/internal/config"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	// RequestsPerMinute is the sustained number of requests allowed per minute
	RequestsPerMinute int
	// BurstSize is the maximum burst of requests allowed
	BurstSize int
	// CleanupInterval is how often idle in-process buckets are dropped
	CleanupInterval time.Duration
}

// RateLimitConfigFrom converts the security.rate_limiting section
func RateLimitConfigFrom(cfg *config.RateLimitingConfig) RateLimitConfig {
	out := RateLimitConfig{
		RequestsPerMinute: cfg.RequestsPerMinute,
		BurstSize:         cfg.Burst,
		CleanupInterval:   5 * time.Minute,
	}
	if out.RequestsPerMinute <= 0 {
		out.RequestsPerMinute = 120
	}
	if out.BurstSize <= 0 {
		out.BurstSize = 1
	}
	return out
}

// Decision is the outcome of one rate-limit check
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Limit() int
}

// ---------------------------------------------------------------------------
// In-process limiter
// ---------------------------------------------------------------------------

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter keeps one token bucket per key in memory. Limits are per replica.
type LocalLimiter struct {
	config  RateLimitConfig
	entries map[string]*localEntry
	mu      sync.Mutex
	stopCh  chan struct{}
	now     func() time.Time
}

// NewLocalLimiter creates an in-process limiter and starts its cleanup loop
func NewLocalLimiter(cfg RateLimitConfig) *LocalLimiter {
	l := &LocalLimiter{
		config:  cfg,
		entries: make(map[string]*localEntry),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *LocalLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup(10 * time.Minute)
		case <-l.stopCh:
			return
		}
	}
}

// cleanup drops buckets idle for longer than maxIdle
func (l *LocalLimiter) cleanup(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, e := range l.entries {
		if now.Sub(e.lastSeen) > maxIdle {
			delete(l.entries, key)
		}
	}
}

// Stop stops the cleanup goroutine
func (l *LocalLimiter) Stop() {
	close(l.stopCh)
}

// Limit implements Limiter
func (l *LocalLimiter) Limit() int { return l.config.RequestsPerMinute }

// Allow implements Limiter
func (l *LocalLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &localEntry{
			limiter: rate.NewLimiter(rate.Limit(float64(l.config.RequestsPerMinute)/60), l.config.BurstSize),
		}
		l.entries[key] = e
	}
	e.lastSeen = now

	if e.limiter.AllowN(now, 1) {
		return Decision{Allowed: true, Remaining: int(e.limiter.TokensAt(now))}, nil
	}

	r := e.limiter.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return Decision{Allowed: false, Remaining: 0, RetryAfter: wait}, nil
}

// ---------------------------------------------------------------------------
// Redis limiter
// ---------------------------------------------------------------------------

// RedisLimiter shares buckets between replicas using GCRA in Redis
type RedisLimiter struct {
	limiter *redis_rate.Limiter
	limit   redis_rate.Limit
}

// NewRedisLimiter creates a limiter backed by rdb
func NewRedisLimiter(rdb *redis.Client, cfg RateLimitConfig) *RedisLimiter {
	return &RedisLimiter{
		limiter: redis_rate.NewLimiter(rdb),
		limit: redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.BurstSize,
			Period: time.Minute,
		},
	}
}

// Limit implements Limiter
func (l *RedisLimiter) Limit() int { return l.limit.Rate }

// Allow implements Limiter
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.limiter.Allow(ctx, "orgm:ratelimit:"+key, l.limit)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:    res.Allowed > 0,
		Remaining:  res.Remaining,
		RetryAfter: res.RetryAfter,
	}, nil
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// RateLimitMiddleware creates a Gin middleware that rate limits requests. A limiter
// error lets the request through.
func RateLimitMiddleware(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := getRateLimitKey(c)

		d, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "key", key, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

		if !d.Allowed {
			retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// getRateLimitKey determines the key to use for rate limiting
// Priority: login > IP address
func getRateLimitKey(c *gin.Context) string {
	if login := c.GetString(LoginKey); login != "" {
		return "login:" + login
	}

	ip := c.ClientIP()
	if ip == "" {
		ip = c.Request.RemoteAddr
	}
	return "ip:" + ip
}
