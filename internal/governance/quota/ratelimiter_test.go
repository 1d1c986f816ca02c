package quota

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, s
}

func windowSize(t *testing.T, rdb *redis.Client, userID string) int64 {
	t.Helper()
	n, err := rdb.ZCard(context.Background(), burstKeyPrefix+userID).Result()
	require.NoError(t, err)
	return n
}

func TestRateLimiter_UnderLimit(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 3)
	ctx := context.Background()

	allowed, err := rl.Allow(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, allowed)

	assert.Equal(t, int64(1), windowSize(t, rdb, "wallet-a"))

	wait, err := rl.RetryAfter(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Zero(t, wait)
}

func TestRateLimiter_AtLimit(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "wallet-a")
		require.NoError(t, err)
		assert.True(t, allowed, "attempt %d should be allowed", i+1)
	}

	allowed, err := rl.Allow(ctx, "wallet-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	assert.Equal(t, int64(3), windowSize(t, rdb, "wallet-a"), "denied attempts are not recorded")

	wait, err := rl.RetryAfter(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestRateLimiter_DifferentWallets(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 1)
	ctx := context.Background()

	allowed, err := rl.Allow(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = rl.Allow(ctx, "wallet-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = rl.Allow(ctx, "wallet-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 3)
	ctx := context.Background()

	key := burstKeyPrefix + "wallet-a"
	old := float64(time.Now().Add(-70 * time.Second).UnixMilli())
	for i := 0; i < 3; i++ {
		rdb.ZAdd(ctx, key, redis.Z{Score: old + float64(i), Member: fmt.Sprintf("old:%d", i)})
	}

	allowed, err := rl.Allow(ctx, "wallet-a")
	require.NoError(t, err)
	assert.True(t, allowed, "entries outside the window should be dropped")

	assert.Equal(t, int64(1), windowSize(t, rdb, "wallet-a"))
}

func TestRateLimiter_RetryAfterTracksOldestAttempt(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 2)
	ctx := context.Background()

	key := burstKeyPrefix + "wallet-a"
	now := time.Now()
	rdb.ZAdd(ctx, key,
		redis.Z{Score: float64(now.Add(-45 * time.Second).UnixMilli()), Member: "a"},
		redis.Z{Score: float64(now.Add(-10 * time.Second).UnixMilli()), Member: "b"},
	)

	wait, err := rl.RetryAfter(ctx, "wallet-a")
	require.NoError(t, err)
	assert.InDelta(t, 15*time.Second, wait, float64(2*time.Second))
}

func TestRateLimiter_RedisDown(t *testing.T) {
	rdb, mr := setupMiniredis(t)
	rl := NewRateLimiter(rdb, 3)
	mr.Close()

	_, err := rl.Allow(context.Background(), "wallet-a")
	assert.Error(t, err)
}
