//go:build integration

package quota

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "test",
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "soba_test",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "starting postgres container")
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/soba_test?sslmode=disable", host, port.Port())

	m, err := migrate.New("file://../../../migrations", dsn)
	require.NoError(t, err, "creating migrator")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("running migrations: %v", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestRepository_Lifecycle(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.Get(ctx, "wallet-a", now)
	assert.ErrorIs(t, err, ErrNotFound)

	created, err := repo.GetOrCreate(ctx, "wallet-a", now)
	require.NoError(t, err)
	assert.Equal(t, 0, created.GenerationsToday)

	again, err := repo.GetOrCreate(ctx, "wallet-a", now)
	require.NoError(t, err)
	assert.Equal(t, created.CreatedAt.Unix(), again.CreatedAt.Unix())

	id := uuid.New()
	q, err := repo.Reserve(ctx, "wallet-a", id, 5, now)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Reserved)

	q, err = repo.Commit(ctx, "wallet-a", id, now)
	require.NoError(t, err)
	assert.Equal(t, 1, q.GenerationsToday)
	assert.Equal(t, 1, q.TotalGenerations)
	assert.Equal(t, 0, q.Reserved)

	_, err = repo.Commit(ctx, "missing", uuid.New(), now)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.Release(ctx, "missing", uuid.New(), now), ErrNotFound)
	assert.NoError(t, repo.Release(ctx, "wallet-a", id, now), "consumed reservation releases as a no-op")
}

func TestRepository_ReserveRespectsDayBoundary(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	yesterday := time.Date(2026, 3, 13, 22, 0, 0, 0, time.UTC)
	today := yesterday.Add(4 * time.Hour)

	_, err := repo.GetOrCreate(ctx, "wallet-a", yesterday)
	require.NoError(t, err)
	_, err = repo.Update(ctx, "wallet-a", 5, 9, yesterday)
	require.NoError(t, err)

	_, err = repo.Reserve(ctx, "wallet-a", uuid.New(), 5, yesterday)
	assert.ErrorIs(t, err, ErrQuotaExceeded)

	id := uuid.New()
	_, err = repo.Reserve(ctx, "wallet-a", id, 5, today)
	require.NoError(t, err)

	q, err := repo.Commit(ctx, "wallet-a", id, today)
	require.NoError(t, err)
	assert.Equal(t, 1, q.GenerationsToday)
	assert.Equal(t, 10, q.TotalGenerations)
}

func TestRepository_AbandonedReservationExpiresOnItsOwn(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool, WithReservationTTL(10*time.Minute))
	ctx := context.Background()
	start := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

	_, err := repo.GetOrCreate(ctx, "wallet-a", start)
	require.NoError(t, err)

	_, err = repo.Reserve(ctx, "wallet-a", uuid.New(), 3, start)
	require.NoError(t, err)

	now := start
	for i := 0; i < 3; i++ {
		now = now.Add(9 * time.Minute)
		id := uuid.New()
		_, err := repo.Reserve(ctx, "wallet-a", id, 3, now)
		require.NoError(t, err, "generation %d", i+1)
		_, err = repo.Commit(ctx, "wallet-a", id, now)
		require.NoError(t, err)
	}

	q, err := repo.Get(ctx, "wallet-a", now)
	require.NoError(t, err)
	assert.Equal(t, 3, q.GenerationsToday)
	assert.Equal(t, 0, q.Reserved)

	_, err = repo.Reserve(ctx, "wallet-a", uuid.New(), 3, now)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRepository_ReserveIsIdempotentPerID(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.GetOrCreate(ctx, "wallet-a", now)
	require.NoError(t, err)

	id := uuid.New()
	_, err = repo.Reserve(ctx, "wallet-a", id, 1, now)
	require.NoError(t, err)
	q, err := repo.Reserve(ctx, "wallet-a", id, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Reserved)

	_, err = repo.Reserve(ctx, "wallet-a", uuid.New(), 1, now)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestRepository_ConcurrentReserveAtLastSlot(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := repo.GetOrCreate(ctx, "wallet-a", now)
	require.NoError(t, err)
	_, err = repo.Update(ctx, "wallet-a", 4, 4, now)
	require.NoError(t, err)

	var ok, exceeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Reserve(ctx, "wallet-a", uuid.New(), 5, now)
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
	assert.Equal(t, int32(9), exceeded.Load())
}

func TestRepository_ReserveUnknownUser(t *testing.T) {
	pool := setupPostgres(t)
	repo := NewRepository(pool)

	_, err := repo.Reserve(context.Background(), "nobody", uuid.New(), 5, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}
