package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reelforge/jobwatch/pkg/response"
)

// RateLimiter is a fixed-window limiter backed by Redis counters.
type RateLimiter struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit allows maxRequests per caller per window for the bucket named by
// key(c). Requests are let through when Redis is unavailable.
func (rl *RateLimiter) Limit(key func(c *fiber.Ctx) string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := GetUserID(c)
		if userID == "" || maxRequests <= 0 {
			return c.Next()
		}

		counterKey := fmt.Sprintf("ratelimit:%s:%s", key(c), userID)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		count, err := rl.redis.Incr(ctx, counterKey).Result()
		if err != nil {
			rl.logger.Warn("rate limit check failed, allowing request", "key", counterKey, "error", err)
			return c.Next()
		}

		if count == 1 {
			rl.redis.Expire(ctx, counterKey, window)
		}

		if count > int64(maxRequests) {
			ttl, _ := rl.redis.TTL(ctx, counterKey).Result()
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))
		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))

		return c.Next()
	}
}

// SubmitLimit limits job submissions per caller and per kind.
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit(func(c *fiber.Ctx) string {
		return "submit:" + c.Params("kind")
	}, maxPerHour, time.Hour)
}
