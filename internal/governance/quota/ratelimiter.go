package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	burstKeyPrefix = "generation:minute:"
	windowDuration = 60 * time.Second
	keyTTL         = 90 * time.Second
)

// RateLimiter is a Redis sorted-set sliding window that caps how many
// generations one wallet may start per minute, independent of the daily quota.
type RateLimiter struct {
	rdb          redis.Cmdable
	maxPerMinute int
}

// NewRateLimiter creates a new Redis-based burst limiter.
func NewRateLimiter(rdb redis.Cmdable, maxPerMinute int) *RateLimiter {
	return &RateLimiter{rdb: rdb, maxPerMinute: maxPerMinute}
}

// Allow records an attempt for userID and reports whether it fits in the window.
// Denied attempts are not recorded.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	key := burstKeyPrefix + userID
	now := time.Now()
	windowStart := now.Add(-windowDuration).UnixMilli()

	pipe := rl.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (clean+count): %w", err)
	}

	count := countCmd.Val()
	if count >= int64(rl.maxPerMinute) {
		return false, nil
	}

	pipe = rl.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%d", now.UnixNano(), count),
	})
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("burst limiter (add): %w", err)
	}

	return true, nil
}

// RetryAfter is how long until the oldest attempt in userID's window leaves
// it. Zero means the window has room now.
func (rl *RateLimiter) RetryAfter(ctx context.Context, userID string) (time.Duration, error) {
	key := burstKeyPrefix + userID
	now := time.Now()
	windowStart := "(" + strconv.FormatInt(now.Add(-windowDuration).UnixMilli(), 10)

	pipe := rl.rdb.Pipeline()
	countCmd := pipe.ZCount(ctx, key, windowStart, "+inf")
	oldestCmd := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   windowStart,
		Max:   "+inf",
		Count: 1,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("reading burst window: %w", err)
	}

	oldest := oldestCmd.Val()
	if countCmd.Val() < int64(rl.maxPerMinute) || len(oldest) == 0 {
		return 0, nil
	}
	frees := time.UnixMilli(int64(oldest[0].Score)).Add(windowDuration)
	return max(frees.Sub(now), 0), nil
}
