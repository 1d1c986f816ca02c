// Package retry runs operations with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retried operation. Delay before attempt n+1 is
// BaseDelay*2^n, capped at MaxDelay and randomised by Jitter.
type Policy struct {
	Name      string
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    float64
}

// DefaultPolicy is 3 attempts, 1s base, 5s cap.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:  3,
		BaseDelay: time.Second,
		MaxDelay:  5 * time.Second,
		Jitter:    0.2,
	}
}

// Named returns a copy of p labelled for logging.
func (p Policy) Named(name string) Policy {
	p.Name = name
	return p
}

// Permanent marks err as not worth retrying. Do returns err itself, not the wrapper.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. The last failure is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempt := 0
	return backoff.RetryNotifyWithData(
		func() (T, error) {
			attempt++
			return op(ctx)
		},
		p.backOff(ctx),
		func(err error, next time.Duration) {
			slog.Warn("retrying operation",
				"operation", p.Name,
				"attempt", attempt,
				"max_attempts", p.Attempts,
				"next_delay", next,
				"error", err,
			)
		},
	)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOffContext {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.MaxInterval = p.MaxDelay
	exp.RandomizationFactor = p.Jitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
}
