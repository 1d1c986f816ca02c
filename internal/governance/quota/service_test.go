package quota

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soba-labs/soba/internal/retry"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var fastRetry = retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

func newTestService(t *testing.T, limit int) (*Service, *MemoryStore, *testClock) {
	t.Helper()
	clk := newTestClock(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC))
	store := NewMemoryStore(10 * time.Minute)
	svc := NewService(store, limit, WithClock(clk.Now), WithRetryPolicy(fastRetry))
	return svc, store, clk
}

func TestService_GetOrCreateIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 0, first.GenerationsToday)
	assert.Equal(t, 0, first.TotalGenerations)

	second, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestService_GetUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t, 5)

	_, err := svc.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrPersistence)
}

func TestService_StatsAndStatusDefaultsDoNotWrite(t *testing.T) {
	svc, store, _ := newTestService(t, 5)
	ctx := context.Background()

	stats, err := svc.Stats(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, &Stats{Quota: 5}, stats)

	status, err := svc.Status(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, &Status{RemainingToday: 5}, status)

	_, err = store.Get(ctx, "fresh", time.Now())
	assert.ErrorIs(t, err, ErrNotFound, "read paths must not create records")
}

func TestService_ReserveAdvanceFlow(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Quota.Reserved)

	q, err := svc.Advance(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, q.GenerationsToday)
	assert.Equal(t, 1, q.TotalGenerations)
	assert.Equal(t, 0, q.Reserved)

	status, err := svc.Status(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, &Status{GenerationsToday: 1, TotalGenerations: 1, RemainingToday: 4}, status)

	stats, err := svc.Stats(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Quota)
	assert.Equal(t, 1, stats.Used)
	require.NotNil(t, stats.LastGenerationDate)
}

func TestService_ReserveUnknownUser(t *testing.T) {
	svc, _, _ := newTestService(t, 5)

	_, err := svc.Reserve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ReserveAtLimit(t *testing.T) {
	svc, store, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = store.Update(ctx, "wallet-a", 5, 12, time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	q, err := store.Get(ctx, "wallet-a", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 5, q.GenerationsToday)
	assert.Equal(t, 12, q.TotalGenerations)
	assert.Equal(t, 0, q.Reserved)
}

func TestService_NewDayResetsBeforeLimitCheck(t *testing.T) {
	svc, store, clk := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = store.Update(ctx, "wallet-a", 5, 5, clk.Now())
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "wallet-a")
	require.ErrorIs(t, err, ErrQuotaExceeded)

	clk.Advance(10 * time.Hour) // 01:00 UTC next day

	q, err := svc.Get(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 0, q.GenerationsToday, "stale day reads as zero")
	assert.True(t, svc.CheckLimit(q))

	res, err := svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)

	q, err = svc.Advance(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, 1, q.GenerationsToday)
	assert.Equal(t, 6, q.TotalGenerations)
}

func TestService_ReleaseFreesSlot(t *testing.T) {
	svc, _, _ := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "wallet-a")
	require.ErrorIs(t, err, ErrQuotaExceeded, "in-flight reservation holds the last slot")

	q, err := svc.Get(ctx, "wallet-a")
	require.NoError(t, err)
	assert.False(t, svc.CheckLimit(q))

	require.NoError(t, svc.Release(ctx, res))
	require.NoError(t, svc.Release(ctx, res), "releasing twice is a no-op")

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.NoError(t, err)
}

func TestService_AbandonedReservationExpires(t *testing.T) {
	svc, _, clk := newTestService(t, 1)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)

	clk.Advance(11 * time.Minute)

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.NoError(t, err)
}

func TestService_AbandonedReservationNotRenewedByLaterOnes(t *testing.T) {
	svc, _, clk := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	// Reserved and never committed or released, as after a crash.
	_, err = svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		clk.Advance(9 * time.Minute)
		res, err := svc.Reserve(ctx, "wallet-a")
		require.NoError(t, err, "generation %d", i+1)
		_, err = svc.Advance(ctx, res)
		require.NoError(t, err)
	}

	status, err := svc.Status(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, &Status{GenerationsToday: 3, TotalGenerations: 3, RemainingToday: 0}, status)

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestService_StatusExcludesLiveReservations(t *testing.T) {
	svc, _, clk := newTestService(t, 3)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)

	status, err := svc.Status(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 2, status.RemainingToday)

	clk.Advance(11 * time.Minute)

	status, err = svc.Status(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 3, status.RemainingToday)
}

func TestMemoryStore_ReserveIsIdempotentPerID(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	_, err := store.GetOrCreate(ctx, "wallet-a", now)
	require.NoError(t, err)

	id := uuid.New()
	q, err := store.Reserve(ctx, "wallet-a", id, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Reserved)

	q, err = store.Reserve(ctx, "wallet-a", id, 1, now)
	require.NoError(t, err, "a retried reserve must not count itself")
	assert.Equal(t, 1, q.Reserved)

	_, err = store.Reserve(ctx, "wallet-a", uuid.New(), 1, now)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestService_ConcurrentReservationsAtLastSlot(t *testing.T) {
	svc, store, clk := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)
	_, err = store.Update(ctx, "wallet-a", 4, 4, clk.Now())
	require.NoError(t, err)

	var ok, exceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(ctx, "wallet-a")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrQuotaExceeded):
				exceeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(1), exceeded.Load())
}

func TestService_ManyConcurrentReservationsNeverExceedLimit(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := svc.Reserve(ctx, "wallet-a"); err == nil {
				ok.Add(1)
				_, _ = svc.Advance(ctx, res)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())

	q, err := svc.Get(ctx, "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, 5, q.GenerationsToday)
	assert.Equal(t, 5, q.TotalGenerations)
}

func TestService_RateLimitedBeforeStore(t *testing.T) {
	rdb, _ := setupMiniredis(t)
	store := NewMemoryStore(0)
	svc := NewService(store, 5, WithRateLimiter(NewRateLimiter(rdb, 1)), WithRetryPolicy(fastRetry))
	ctx := context.Background()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, "wallet-a")
	require.NoError(t, err)
	require.NoError(t, svc.Release(ctx, res))

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.ErrorIs(t, err, ErrRateLimited)

	wait := svc.RetryAfter(ctx, "wallet-a")
	assert.Greater(t, wait, 50*time.Second)
	assert.LessOrEqual(t, wait, time.Minute)
}

func TestService_RateLimiterFailsOpen(t *testing.T) {
	rdb, mr := setupMiniredis(t)
	store := NewMemoryStore(0)
	svc := NewService(store, 5, WithRateLimiter(NewRateLimiter(rdb, 1)), WithRetryPolicy(fastRetry))
	ctx := context.Background()
	mr.Close()

	_, err := svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, "wallet-a")
	assert.NoError(t, err)
}

func TestService_OverrideValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.Override(ctx, "wallet-a", 3, 2)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Override(ctx, "wallet-a", 1, 2)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	q, err := svc.Override(ctx, "wallet-a", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, q.GenerationsToday)
	assert.Equal(t, 2, q.TotalGenerations)
}

func TestService_AddUsage(t *testing.T) {
	svc, _, _ := newTestService(t, 5)
	ctx := context.Background()

	_, err := svc.AddUsage(ctx, "wallet-a", 0)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.AddUsage(ctx, "wallet-a", 1)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetOrCreate(ctx, "wallet-a")
	require.NoError(t, err)

	q, err := svc.AddUsage(ctx, "wallet-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, q.GenerationsToday)
	assert.Equal(t, 2, q.TotalGenerations)
}

type flakyStore struct {
	*MemoryStore
	failures int
	calls    atomic.Int32
	err      error
}

func (f *flakyStore) Get(ctx context.Context, userID string, now time.Time) (*Quota, error) {
	if int(f.calls.Add(1)) <= f.failures {
		return nil, f.err
	}
	return f.MemoryStore.Get(ctx, userID, now)
}

func TestService_RetriesTransientStoreErrors(t *testing.T) {
	clk := newTestClock(time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC))
	store := &flakyStore{MemoryStore: NewMemoryStore(0), failures: 2, err: errors.New("connection reset by peer")}
	_, err := store.MemoryStore.GetOrCreate(context.Background(), "wallet-a", clk.Now())
	require.NoError(t, err)

	svc := NewService(store, 5, WithClock(clk.Now), WithRetryPolicy(fastRetry))

	q, err := svc.Get(context.Background(), "wallet-a")
	require.NoError(t, err)
	assert.Equal(t, "wallet-a", q.UserID)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestService_ExhaustedRetriesSurfaceAsPersistence(t *testing.T) {
	cause := errors.New("connection refused")
	store := &flakyStore{MemoryStore: NewMemoryStore(0), failures: 100, err: cause}
	svc := NewService(store, 5, WithRetryPolicy(fastRetry))

	_, err := svc.Get(context.Background(), "wallet-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int32(3), store.calls.Load())
}

func TestService_NotFoundIsNotRetried(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(0)}
	svc := NewService(store, 5, WithRetryPolicy(fastRetry))

	_, err := svc.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), store.calls.Load())
}
