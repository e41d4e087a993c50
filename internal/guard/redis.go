package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jaydenbeard/echo-core/internal/echoerr"
	"github.com/jaydenbeard/echo-core/internal/metrics"
)

// RedisRateLimiter is the distributed counterpart to RateLimiter: a fixed
// window counter shared across every server node via Redis INCR/EXPIRE,
// so a caller spread across multiple nodes still hits one shared limit.
type RedisRateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisRateLimiter builds a limiter allowing up to limit requests per
// caller within a fixed window.
func NewRedisRateLimiter(client *redis.Client, limit int64, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window}
}

func rateLimitKey(caller string) string { return "ratelimit:" + caller }

// Allow increments caller's counter for the current window, setting the
// window expiry on first use, and returns echoerr.RateLimited once the
// counter exceeds limit.
func (rl *RedisRateLimiter) Allow(ctx context.Context, caller string) error {
	key := rateLimitKey(caller)
	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("guard: redis rate limit incr: %w", err)
	}
	if count == 1 {
		if err := rl.client.Expire(ctx, key, rl.window).Err(); err != nil {
			return fmt.Errorf("guard: redis rate limit expire: %w", err)
		}
	}
	if count > rl.limit {
		metrics.RecordGuardRateLimitRejected()
		return fmt.Errorf("guard: rate limit exceeded for %q: %w", caller, echoerr.RateLimited)
	}
	return nil
}
