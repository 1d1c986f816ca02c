// Package inference talks to the hosted image model.
package inference

import (
	"context"
	"errors"
	"time"
)

var (
	ErrGenerationFailed   = errors.New("inference: generation failed")
	ErrGenerationTimedOut = errors.New("inference: generation timed out")
	ErrRateLimited        = errors.New("inference: rate limited by provider")
	ErrUnavailable        = errors.New("inference: provider unavailable")
	ErrAuthFailed         = errors.New("inference: authentication failed")
	ErrInvalidRequest     = errors.New("inference: invalid request")
)

// Output is a finished generation.
type Output struct {
	ImageURL     string         `json:"imageUrl"`
	PredictionID string         `json:"predictionId"`
	ModelVersion string         `json:"modelVersion"`
	Input        map[string]any `json:"input"`
	Duration     time.Duration  `json:"-"`
}

// Generator produces one image for a prompt. Implementations return an error
// matching ErrGenerationFailed or ErrGenerationTimedOut when no image was made.
type Generator interface {
	Generate(ctx context.Context, prompt string, params map[string]any) (*Output, error)
}

// IsRetryable reports whether a request that failed with err can be sent again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUnavailable)
}
