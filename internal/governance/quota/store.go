package quota

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("quota: record not found")
	ErrQuotaExceeded = errors.New("quota: daily generation limit reached")
	ErrRateLimited   = errors.New("quota: too many generation requests")
	ErrInvalidInput  = errors.New("quota: invalid input")
	ErrPersistence   = errors.New("quota: persistence failed")
)

// DefaultReservationTTL is how long a reservation holds a slot before it is
// treated as abandoned. Each reservation expires on its own.
const DefaultReservationTTL = 10 * time.Minute

// Store is durable quota storage. Implementations must make Reserve, Commit,
// Release and AddUsage atomic per user so concurrent callers cannot exceed
// the limit they pass in. Reserve is idempotent per reservation id, and
// Commit and Release only consume the reservation they are given.
type Store interface {
	Get(ctx context.Context, userID string, now time.Time) (*Quota, error)
	GetOrCreate(ctx context.Context, userID string, now time.Time) (*Quota, error)
	Update(ctx context.Context, userID string, generationsToday, totalGenerations int, now time.Time) (*Quota, error)
	Reserve(ctx context.Context, userID string, id uuid.UUID, limit int, now time.Time) (*Quota, error)
	Commit(ctx context.Context, userID string, id uuid.UUID, now time.Time) (*Quota, error)
	Release(ctx context.Context, userID string, id uuid.UUID, now time.Time) error
	AddUsage(ctx context.Context, userID string, n int, now time.Time) (*Quota, error)
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrQuotaExceeded) ||
		errors.Is(err, ErrInvalidInput)
}
