package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// quotaColumns selects a quota row with its live reservation count. Every
// query using it must bind the current time as $2.
const quotaColumns = `user_id, generations_today, total_generations,
	(SELECT COUNT(*) FROM generation_reservations r
	  WHERE r.user_id = generation_quotas.user_id AND r.expires_at > $2),
	last_generation_date, created_at, updated_at`

// Repository handles generation_quotas PostgreSQL operations.
type Repository struct {
	pool           *pgxpool.Pool
	queryTimeout   time.Duration
	reservationTTL time.Duration
}

var _ Store = (*Repository)(nil)

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithQueryTimeout bounds each call, including the wait for a pooled connection.
func WithQueryTimeout(d time.Duration) RepositoryOption {
	return func(r *Repository) { r.queryTimeout = d }
}

// WithReservationTTL sets how long each reservation holds a slot.
func WithReservationTTL(d time.Duration) RepositoryOption {
	return func(r *Repository) { r.reservationTTL = d }
}

// NewRepository creates a new quota Repository on an injected pool.
func NewRepository(pool *pgxpool.Pool, opts ...RepositoryOption) *Repository {
	r := &Repository{
		pool:           pool,
		queryTimeout:   5 * time.Second,
		reservationTTL: DefaultReservationTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.queryTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.queryTimeout)
}

func scanQuota(row pgx.Row) (*Quota, error) {
	var q Quota
	if err := row.Scan(&q.UserID, &q.GenerationsToday, &q.TotalGenerations, &q.Reserved,
		&q.LastGenerationDate, &q.CreatedAt, &q.UpdatedAt); err != nil {
		return nil, err
	}
	return &q, nil
}

// Get returns the user's quota row or ErrNotFound.
func (r *Repository) Get(ctx context.Context, userID string, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q, err := scanQuota(r.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM generation_quotas WHERE user_id = $1`, userID, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching quota: %w", err)
	}
	return q, nil
}

// GetOrCreate returns the user's quota row, creating one if it doesn't exist.
func (r *Repository) GetOrCreate(ctx context.Context, userID string, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO generation_quotas (user_id, last_generation_date, created_at, updated_at)
		 VALUES ($1, $2, $2, $2)
		 ON CONFLICT (user_id) DO NOTHING`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("ensuring quota: %w", err)
	}

	q, err := scanQuota(r.pool.QueryRow(ctx,
		`SELECT `+quotaColumns+` FROM generation_quotas WHERE user_id = $1`, userID, now))
	if err != nil {
		return nil, fmt.Errorf("fetching quota: %w", err)
	}
	return q, nil
}

// Update overwrites both counters.
func (r *Repository) Update(ctx context.Context, userID string, generationsToday, totalGenerations int, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q, err := scanQuota(r.pool.QueryRow(ctx,
		`UPDATE generation_quotas
		 SET generations_today = $3,
		     total_generations = $4,
		     last_generation_date = $2,
		     updated_at = $2
		 WHERE user_id = $1
		 RETURNING `+quotaColumns, userID, now, generationsToday, totalGenerations))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating quota: %w", err)
	}
	return q, nil
}

// Reserve claims one generation slot under reservation id. The quota row is
// locked for the whole transaction, so concurrent reservations for the same
// user are checked one at a time. Expired reservations are pruned first and
// never count against the limit.
func (r *Repository) Reserve(ctx context.Context, userID string, id uuid.UUID, limit int, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var q *Quota
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var today int
		var last time.Time
		err := tx.QueryRow(ctx,
			`SELECT generations_today, last_generation_date
			 FROM generation_quotas WHERE user_id = $1
			 FOR UPDATE`, userID).Scan(&today, &last)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("locking quota: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM generation_reservations WHERE user_id = $1 AND expires_at <= $2`,
			userID, now); err != nil {
			return fmt.Errorf("pruning reservations: %w", err)
		}

		var live int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM generation_reservations WHERE user_id = $1 AND id <> $2`,
			userID, id).Scan(&live); err != nil {
			return fmt.Errorf("counting reservations: %w", err)
		}
		if last.Before(DayStart(now)) {
			today = 0
		}
		if today+live >= limit {
			return ErrQuotaExceeded
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO generation_reservations (id, user_id, created_at, expires_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (id) DO NOTHING`,
			id, userID, now, now.Add(r.reservationTTL)); err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}

		q, err = scanQuota(tx.QueryRow(ctx,
			`SELECT `+quotaColumns+` FROM generation_quotas WHERE user_id = $1`, userID, now))
		if err != nil {
			return fmt.Errorf("fetching quota: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrQuotaExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("reserving quota: %w", err)
	}
	return q, nil
}

// Commit consumes reservation id and advances both counters in one
// transaction. An already expired reservation still commits: the image exists.
func (r *Repository) Commit(ctx context.Context, userID string, id uuid.UUID, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var q *Quota
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM generation_reservations WHERE id = $1 AND user_id = $2`, id, userID); err != nil {
			return fmt.Errorf("consuming reservation: %w", err)
		}

		var err error
		q, err = scanQuota(tx.QueryRow(ctx,
			`UPDATE generation_quotas
			 SET generations_today = CASE WHEN last_generation_date < $3 THEN 1 ELSE generations_today + 1 END,
			     total_generations = total_generations + 1,
			     last_generation_date = $2,
			     updated_at = $2
			 WHERE user_id = $1
			 RETURNING `+quotaColumns, userID, now, DayStart(now)))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("committing quota: %w", err)
	}
	return q, nil
}

// Release gives back reservation id without touching the counters.
// Releasing an expired or already consumed reservation is a no-op.
func (r *Repository) Release(ctx context.Context, userID string, id uuid.UUID, now time.Time) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	tag, err := r.pool.Exec(ctx,
		`DELETE FROM generation_reservations WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("releasing quota: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM generation_quotas WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return fmt.Errorf("checking quota existence: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// AddUsage records n generations made outside the reservation path.
func (r *Repository) AddUsage(ctx context.Context, userID string, n int, now time.Time) (*Quota, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	q, err := scanQuota(r.pool.QueryRow(ctx,
		`UPDATE generation_quotas
		 SET generations_today = CASE WHEN last_generation_date < $4 THEN $3 ELSE generations_today + $3 END,
		     total_generations = total_generations + $3,
		     last_generation_date = $2,
		     updated_at = $2
		 WHERE user_id = $1
		 RETURNING `+quotaColumns, userID, now, n, DayStart(now)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("adding quota usage: %w", err)
	}
	return q, nil
}
