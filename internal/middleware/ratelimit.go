package middleware

import (
	"context"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/openidx/loginguard/internal/common/errors"
)

// RateLimitConfig holds configuration for the per-client rate limiter
type RateLimitConfig struct {
	Requests  int           // requests allowed per window
	Window    time.Duration // sliding window length
	KeyPrefix string
	SkipPaths []string
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests:  300,
		Window:    time.Minute,
		KeyPrefix: "loginguard:",
		SkipPaths: []string{"/health", "/health/ready", "/health/live", "/ready", "/metrics"},
	}
}

// SlidingWindowRateLimit limits requests per client IP using a Redis sorted
// set of request timestamps. Redis errors let the request through.
func SlidingWindowRateLimit(client *redis.Client, cfg RateLimitConfig, logger *zap.Logger) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := skip[c.Request.URL.Path]; ok || client == nil || cfg.Requests <= 0 {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 200*time.Millisecond)
		defer cancel()

		key := cfg.KeyPrefix + "ratelimit:" + c.ClientIP()
		now := time.Now()
		windowStart := now.Add(-cfg.Window)

		// Claim a slot first and give it back when over budget, so the
		// count and the claim happen in one MULTI and concurrent requests
		// cannot all slip under the limit.
		member := uuid.NewString()
		pipe := client.TxPipeline()
		pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixMicro(), 10))
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMicro()), Member: member})
		count := pipe.ZCard(ctx, key)
		oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
		pipe.Expire(ctx, key, cfg.Window+time.Second)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
			c.Next()
			return
		}

		used := int(count.Val())
		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(cfg.Requests-used, 0)))

		if used > cfg.Requests {
			if err := client.ZRem(ctx, key, member).Err(); err != nil {
				logger.Warn("Failed to release rate limit slot", zap.Error(err))
			}
			retryAfter := 1
			if z := oldest.Val(); len(z) > 0 {
				expires := time.UnixMicro(int64(z[0].Score)).Add(cfg.Window)
				retryAfter = max(int(math.Ceil(expires.Sub(now).Seconds())), 1)
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			apperrors.HandleError(c, apperrors.RateLimited(retryAfter))
			return
		}

		c.Next()
	}
}
