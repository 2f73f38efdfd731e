package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/organization-manager/organization-manager/internal/config"
)

// ---------------------------------------------------------------------------
// Config conversion
// ---------------------------------------------------------------------------

func TestRateLimitConfigFrom(t *testing.T) {
	cfg := RateLimitConfigFrom(&config.RateLimitingConfig{RequestsPerMinute: 200, Burst: 50})
	if cfg.RequestsPerMinute != 200 {
		t.Errorf("RequestsPerMinute = %d, want 200", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 50 {
		t.Errorf("BurstSize = %d, want 50", cfg.BurstSize)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}

	cfg = RateLimitConfigFrom(&config.RateLimitingConfig{})
	if cfg.RequestsPerMinute != 120 || cfg.BurstSize != 1 {
		t.Errorf("zero config = %+v, want 120 rpm burst 1", cfg)
	}
}

// ---------------------------------------------------------------------------
// LocalLimiter.Allow
// ---------------------------------------------------------------------------

// newTestLimiter returns a limiter with a frozen clock and no cleanup loop
func newTestLimiter(rpm, burst int) (*LocalLimiter, *time.Time) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewLocalLimiter(RateLimitConfig{RequestsPerMinute: rpm, BurstSize: burst})
	l.now = func() time.Time { return now }
	return l, &now
}

func allow(t *testing.T, l *LocalLimiter, key string) Decision {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	return d
}

func TestLocalLimiter_AllowsUpToBurstSize(t *testing.T) {
	l, _ := newTestLimiter(60, 3)

	allowed := 0
	for i := 0; i < 5; i++ {
		if allow(t, l, "burst-test").Allowed {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d requests at burst=3, want exactly 3", allowed)
	}
}

func TestLocalLimiter_RemainingCountsDown(t *testing.T) {
	l, _ := newTestLimiter(60, 5)

	if d := allow(t, l, "remain-test"); d.Remaining != 4 {
		t.Errorf("Remaining after first request = %d, want 4", d.Remaining)
	}
	if d := allow(t, l, "remain-test"); d.Remaining != 3 {
		t.Errorf("Remaining after second request = %d, want 3", d.Remaining)
	}
}

func TestLocalLimiter_TokensRefillOverTime(t *testing.T) {
	l, now := newTestLimiter(60, 1) // one token per second

	if !allow(t, l, "refill-test").Allowed {
		t.Fatal("first request denied")
	}
	d := allow(t, l, "refill-test")
	if d.Allowed {
		t.Fatal("second request allowed with an empty bucket")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}

	*now = now.Add(time.Second)
	if !allow(t, l, "refill-test").Allowed {
		t.Error("request denied after the bucket refilled")
	}
}

func TestLocalLimiter_DeniedRequestDoesNotConsume(t *testing.T) {
	l, now := newTestLimiter(60, 1)

	allow(t, l, "k")
	for i := 0; i < 3; i++ {
		allow(t, l, "k")
	}

	*now = now.Add(time.Second)
	if !allow(t, l, "k").Allowed {
		t.Error("denied requests consumed future tokens")
	}
}

func TestLocalLimiter_DifferentKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(60, 1)

	allow(t, l, "key-a")
	if allow(t, l, "key-a").Allowed {
		t.Fatal("key-a not exhausted")
	}
	if !allow(t, l, "key-b").Allowed {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestLocalLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	l, now := newTestLimiter(60, 1)

	allow(t, l, "stale-client")
	*now = now.Add(5 * time.Minute)
	allow(t, l, "fresh-client")
	*now = now.Add(6 * time.Minute)

	l.cleanup(10 * time.Minute)

	l.mu.Lock()
	_, stale := l.entries["stale-client"]
	_, fresh := l.entries["fresh-client"]
	l.mu.Unlock()

	if stale {
		t.Error("stale-client entry was not evicted")
	}
	if !fresh {
		t.Error("fresh-client entry was evicted")
	}
}

func TestLocalLimiter_Stop(t *testing.T) {
	l := NewLocalLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 5, CleanupInterval: time.Hour})
	// Should not panic
	l.Stop()
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey_Login(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request, _ = http.NewRequest(http.MethodGet, "/", nil)
	c.Set(LoginKey, "ada@x.com")

	if key := getRateLimitKey(c); key != "login:ada@x.com" {
		t.Errorf("key = %q, want login:ada@x.com", key)
	}
}

func TestGetRateLimitKey_IPFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	c.Request = req
	c.Set(LoginKey, "")

	if key := getRateLimitKey(c); key != "ip:192.168.1.1" {
		t.Errorf("key = %q, want ip:192.168.1.1", key)
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func sendFrom(r *gin.Engine, addr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = addr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	l, _ := newTestLimiter(120, 10)
	w := sendFrom(newRateLimitRouter(l), "10.0.0.1:1234")

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if limit := w.Header().Get("X-RateLimit-Limit"); limit != "120" {
		t.Errorf("X-RateLimit-Limit = %q, want 120", limit)
	}
	if remaining := w.Header().Get("X-RateLimit-Remaining"); remaining != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", remaining)
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	l, _ := newTestLimiter(1, 1)
	r := newRateLimitRouter(l)

	if w := sendFrom(r, "10.0.0.2:1234"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w := sendFrom(r, "10.0.0.2:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if retryAfter := w.Header().Get("Retry-After"); retryAfter != "60" {
		t.Errorf("Retry-After = %q, want 60", retryAfter)
	}
	if remaining, _ := strconv.Atoi(w.Header().Get("X-RateLimit-Remaining")); remaining != 0 {
		t.Errorf("X-RateLimit-Remaining = %d, want 0", remaining)
	}

	if w := sendFrom(r, "10.0.0.3:1234"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}

func TestRateLimitMiddleware_RedisUnavailableAllows(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	l := NewRedisLimiter(rdb, RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	if l.Limit() != 60 {
		t.Errorf("Limit() = %d, want 60", l.Limit())
	}

	w := sendFrom(newRateLimitRouter(l), "10.0.0.5:1234")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter backend is down", w.Code)
	}
}
