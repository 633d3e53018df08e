package middleware

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/liyuwei007036/yunjin-sd-api/pkg/response"
)

const rateLimitTimeout = 500 * time.Millisecond

// RateLimiter is a fixed-window counter per caller, kept in Redis
type RateLimiter struct {
	redis *redis.Client
}

func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{redis: redisClient}
}

// Limit allows maxRequests per window for each caller. Callers are identified
// by the authenticated user, or by IP when auth did not set one.
// Redis errors let the request through.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl == nil || rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}

		caller := GetUserID(c)
		if caller == "" {
			caller = "ip:" + c.IP()
		}
		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, caller)

		ctx, cancel := context.WithTimeout(c.UserContext(), rateLimitTimeout)
		defer cancel()

		count, err := rl.redis.Incr(ctx, key).Result()
		if err != nil {
			log.Printf("Rate limiter unavailable, allowing request: %v", err)
			return c.Next()
		}

		if count == 1 {
			if err := rl.redis.Expire(ctx, key, window).Err(); err != nil {
				log.Printf("Failed to set rate limit window for %s: %v", key, err)
			}
		}

		c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", maxRequests))

		if count > int64(maxRequests) {
			ttl, err := rl.redis.TTL(ctx, key).Result()
			if err != nil || ttl < 0 {
				ttl = window
			}
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("Retry-After", fmt.Sprintf("%d", int(ttl.Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", maxRequests-int(count)))
		return c.Next()
	}
}

// GenerateLimit limits POST /api/v1/generate per hour
func (rl *RateLimiter) GenerateLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("generate", maxPerHour, time.Hour)
}
