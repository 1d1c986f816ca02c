package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/soba-labs/soba/internal/metrics"
	"github.com/soba-labs/soba/internal/retry"
)

// Service applies the daily generation policy on top of a Store.
type Service struct {
	store   Store
	limiter *RateLimiter
	limit   int
	policy  retry.Policy
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRateLimiter adds the per-minute burst check to Reserve.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(s *Service) { s.limiter = rl }
}

// WithRetryPolicy sets the policy used around every store call.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new quota Service enforcing dailyLimit generations per UTC day.
func NewService(store Store, dailyLimit int, opts ...Option) *Service {
	s := &Service{
		store:  store,
		limit:  dailyLimit,
		policy: retry.DefaultPolicy(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DailyLimit returns the configured per-day cap.
func (s *Service) DailyLimit() int {
	return s.limit
}

// CheckLimit reports whether q still has a slot today that no live
// reservation holds.
func (s *Service) CheckLimit(q *Quota) bool {
	return q.Available(s.now(), s.limit) > 0
}

// Get returns the user's record with the daily reset applied, or ErrNotFound.
func (s *Service) Get(ctx context.Context, userID string) (*Quota, error) {
	now := s.now()
	q, err := s.call(ctx, "get", func(ctx context.Context) (*Quota, error) {
		return s.store.Get(ctx, userID, now)
	})
	if err != nil {
		return nil, err
	}
	return q.Normalized(now), nil
}

// GetOrCreate returns the user's record, creating a zeroed one on first use.
func (s *Service) GetOrCreate(ctx context.Context, userID string) (*Quota, error) {
	now := s.now()
	q, err := s.call(ctx, "get_or_create", func(ctx context.Context) (*Quota, error) {
		return s.store.GetOrCreate(ctx, userID, now)
	})
	if err != nil {
		return nil, err
	}
	return q.Normalized(now), nil
}

// Reserve claims one generation slot for userID. It returns ErrRateLimited,
// ErrQuotaExceeded or ErrNotFound without touching the counters. The
// reservation must be passed to Advance or Release; if neither happens it
// expires on its own after the store's reservation TTL.
func (s *Service) Reserve(ctx context.Context, userID string) (*Reservation, error) {
	if s.limiter != nil {
		allowed, err := s.limiter.Allow(ctx, userID)
		if err != nil {
			slog.Warn("quota: burst limiter failed, allowing request", "user_id", userID, "error", err)
		} else if !allowed {
			metrics.QuotaReservationsTotal.WithLabelValues("rate_limited").Inc()
			return nil, ErrRateLimited
		}
	}

	now := s.now()
	id := uuid.New()
	q, err := s.call(ctx, "reserve", func(ctx context.Context) (*Quota, error) {
		return s.store.Reserve(ctx, userID, id, s.limit, now)
	})
	switch {
	case err == nil:
		metrics.QuotaReservationsTotal.WithLabelValues("reserved").Inc()
		return &Reservation{ID: id, UserID: userID, Quota: q.Normalized(now)}, nil
	case errors.Is(err, ErrQuotaExceeded):
		metrics.QuotaReservationsTotal.WithLabelValues("exceeded").Inc()
	case errors.Is(err, ErrNotFound):
		metrics.QuotaReservationsTotal.WithLabelValues("not_found").Inc()
	default:
		metrics.QuotaReservationsTotal.WithLabelValues("error").Inc()
	}
	return nil, err
}

// Advance records one successful generation, consuming res.
func (s *Service) Advance(ctx context.Context, res *Reservation) (*Quota, error) {
	now := s.now()
	return s.call(ctx, "advance", func(ctx context.Context) (*Quota, error) {
		return s.store.Commit(ctx, res.UserID, res.ID, now)
	})
}

// Release returns res after a failed generation.
func (s *Service) Release(ctx context.Context, res *Reservation) error {
	now := s.now()
	_, err := s.call(ctx, "release", func(ctx context.Context) (*Quota, error) {
		return nil, s.store.Release(ctx, res.UserID, res.ID, now)
	})
	return err
}

// RetryAfter is how long userID must wait before the burst limiter admits
// another generation. It is zero without a limiter or when Redis is unreadable.
func (s *Service) RetryAfter(ctx context.Context, userID string) time.Duration {
	if s.limiter == nil {
		return 0
	}
	d, err := s.limiter.RetryAfter(ctx, userID)
	if err != nil {
		slog.Warn("quota: reading burst window failed", "user_id", userID, "error", err)
		return 0
	}
	return d
}

// Status is the read path for GET /generate. Unknown users get zero values.
func (s *Service) Status(ctx context.Context, userID string) (*Status, error) {
	q, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Status{RemainingToday: s.limit}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Status{
		GenerationsToday: q.GenerationsToday,
		TotalGenerations: q.TotalGenerations,
		RemainingToday:   q.Available(s.now(), s.limit),
	}, nil
}

// Stats is the read path for GET /user/stats. Unknown users get zero values.
func (s *Service) Stats(ctx context.Context, userID string) (*Stats, error) {
	q, err := s.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return &Stats{Quota: s.limit}, nil
	}
	if err != nil {
		return nil, err
	}

	st := &Stats{
		Quota:            s.limit,
		Used:             q.GenerationsToday,
		TotalGenerations: q.TotalGenerations,
	}
	if q.TotalGenerations > 0 {
		last := q.LastGenerationDate
		st.LastGenerationDate = &last
	}
	return st, nil
}

// Override replaces both counters. Used by operators to correct drift.
func (s *Service) Override(ctx context.Context, userID string, generationsToday, totalGenerations int) (*Quota, error) {
	if generationsToday < 0 || totalGenerations < 0 || generationsToday > totalGenerations {
		return nil, fmt.Errorf("%w: generations_today must be between 0 and total_generations", ErrInvalidInput)
	}

	now := s.now()
	return s.call(ctx, "override", func(ctx context.Context) (*Quota, error) {
		return s.store.Update(ctx, userID, generationsToday, totalGenerations, now)
	})
}

// AddUsage records n generations made outside the reservation path.
func (s *Service) AddUsage(ctx context.Context, userID string, n int) (*Quota, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: increment must be positive", ErrInvalidInput)
	}

	now := s.now()
	return s.call(ctx, "add_usage", func(ctx context.Context) (*Quota, error) {
		return s.store.AddUsage(ctx, userID, n, now)
	})
}

// call runs a store operation under the retry policy. Domain errors pass
// through untouched; anything else that survives the retries is reported
// as ErrPersistence with the cause still attached.
func (s *Service) call(ctx context.Context, op string, fn func(ctx context.Context) (*Quota, error)) (*Quota, error) {
	start := time.Now()
	q, err := retry.DoValue(ctx, s.policy.Named("quota "+op), func(ctx context.Context) (*Quota, error) {
		q, err := fn(ctx)
		if err != nil && isPermanent(err) {
			return nil, retry.Permanent(err)
		}
		return q, err
	})
	if err != nil && !isPermanent(err) {
		slog.Error("quota store operation failed",
			"operation", op, "duration", time.Since(start), "error", err)
		return nil, fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
	}
	return q, err
}
