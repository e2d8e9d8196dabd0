// ratelimit.go throttles the classify/train surface per tenant. With Redis
// configured the limit is enforced cluster-wide via redis_rate's GCRA
// limiter; without it, a per-process token bucket stands in. Both paths
// answer 429 with a Retry-After header when the tenant is over its budget.
package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"
	"github.com/redis/go-redis/v9"

	"github.com/classml/classml/internal/config"
)

// TenantKeyFunc extracts the rate-limit key for a request. Routes carrying a
// scratch key use the tenant resolved from it; everything else falls back to
// the client IP.
type TenantKeyFunc func(c *gin.Context) string

// DefaultTenantKey reads the tenant id stored in the request context by the
// handler chain, falling back to the client IP.
func DefaultTenantKey(c *gin.Context) string {
	if tenantID, exists := c.Get("tenant_id"); exists {
		if id, ok := tenantID.(string); ok && id != "" {
			return "tenant:" + id
		}
	}
	return "ip:" + c.ClientIP()
}

// RateLimitMiddleware enforces the configured per-tenant request budget.
// A nil Redis client selects the in-process fallback limiter.
func RateLimitMiddleware(cfg config.RateLimitConfig, rdb *redis.Client, keyFunc TenantKeyFunc) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	if keyFunc == nil {
		keyFunc = DefaultTenantKey
	}

	if rdb != nil {
		limiter := redis_rate.NewLimiter(rdb)
		limit := redis_rate.Limit{
			Rate:   cfg.RequestsPerMinute,
			Burst:  cfg.Burst,
			Period: time.Minute,
		}
		return func(c *gin.Context) {
			res, err := limiter.Allow(c.Request.Context(), keyFunc(c), limit)
			if err != nil {
				// A broken limiter store must not take the API down.
				c.Next()
				return
			}
			if res.Allowed == 0 {
				retryAfter := int(res.RetryAfter.Seconds()) + 1
				c.Header("Retry-After", strconv.Itoa(retryAfter))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error":       "Rate limit exceeded",
					"retry_after": retryAfter,
				})
				return
			}
			c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
			c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			c.Next()
		}
	}

	local := newLocalLimiter(cfg)
	return func(c *gin.Context) {
		key := keyFunc(c)
		if !local.allow(key) {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": 60,
			})
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.RequestsPerMinute))
		c.Next()
	}
}

// localLimiter is the single-process token bucket fallback.
type localLimiter struct {
	cfg     config.RateLimitConfig
	mu      sync.Mutex
	entries map[string]*bucketEntry
}

type bucketEntry struct {
	tokens     float64
	lastUpdate time.Time
}

func newLocalLimiter(cfg config.RateLimitConfig) *localLimiter {
	return &localLimiter{cfg: cfg, entries: make(map[string]*bucketEntry)}
}

func (l *localLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	entry, exists := l.entries[key]
	if !exists {
		l.entries[key] = &bucketEntry{
			tokens:     float64(l.cfg.Burst) - 1,
			lastUpdate: now,
		}
		l.prune(now)
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	entry.tokens = min(float64(l.cfg.Burst), entry.tokens+now.Sub(entry.lastUpdate).Seconds()*perSecond)
	entry.lastUpdate = now

	if entry.tokens >= 1 {
		entry.tokens--
		return true
	}
	return false
}

// prune drops buckets idle for over ten minutes. Called inline while the
// lock is held; the map stays small because tenants are few.
func (l *localLimiter) prune(now time.Time) {
	for key, entry := range l.entries {
		if now.Sub(entry.lastUpdate) > 10*time.Minute {
			delete(l.entries, key)
		}
	}
}
