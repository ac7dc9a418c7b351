package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"vidqueue/internal/logging"
)

// RateLimitConfig configures the fixed-window limiter.
type RateLimitConfig struct {
	Client    *redis.Client
	Limit     int
	Window    time.Duration
	KeyPrefix string
	// KeyFunc identifies the caller. Defaults to the client IP.
	KeyFunc func(c *gin.Context) string
}

// rateLimitMiddleware counts requests per caller in a Redis key that expires
// after Window. Replicas share the counter. Redis failures let the request
// through.
func rateLimitMiddleware(cfg RateLimitConfig, logger *slog.Logger) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "vidqueue:rl:"
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}
	limit := strconv.Itoa(cfg.Limit)

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := cfg.KeyFunc(c)
		if id == "" {
			id = "anonymous"
		}
		key := cfg.KeyPrefix + id

		count, err := cfg.Client.Incr(ctx, key).Result()
		if err != nil {
			logger.Warn("rate limiter unavailable",
				logging.Error(err),
				logging.String(logging.FieldEventType, "rate_limit_failed"),
				logging.String(logging.FieldImpact, "request admitted without limiting"),
			)
			c.Next()
			return
		}
		ttl, _ := cfg.Client.TTL(ctx, key).Result()
		if count == 1 || ttl < 0 {
			// First hit in the window, or a key left without expiry.
			cfg.Client.Expire(ctx, key, cfg.Window)
			ttl = cfg.Window
		}
		reset := int(ttl.Seconds())
		if reset < 0 {
			reset = 0
		}
		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Reset", strconv.Itoa(reset))

		if count > int64(cfg.Limit) {
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(max(reset, 1)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(cfg.Limit-int(count)))
		c.Next()
	}
}
