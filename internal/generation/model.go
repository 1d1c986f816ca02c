package generation

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/soba-labs/soba/internal/governance/quota"
	"github.com/soba-labs/soba/internal/inference"
)

// State is a step of a single generation request.
type State string

const (
	StateValidating     State = "validating"
	StateQuotaChecking  State = "quota_checking"
	StateGenerating     State = "generating"
	StatePersisting     State = "persisting"
	StateQuotaAdvancing State = "quota_advancing"
	StateDone           State = "done"
	StateError          State = "error"
)

// StatusCompleted is the status of every stored record. Failed generations
// are not recorded.
const StatusCompleted = "completed"

// Warnings attached to a successful Result.
const (
	WarnRecordPersistFailed = "record_persist_failed"
	WarnQuotaInconsistent   = "quota_tracking_inconsistent"
)

var ErrInvalidRequest = errors.New("generation: invalid request")

// Request is one user's ask for an image.
type Request struct {
	UserID string
	Prompt string
	Params map[string]any
}

// Result is returned for every request that produced an image.
type Result struct {
	Success  bool     `json:"success"`
	ImageURL string   `json:"imageUrl"`
	Metadata Metadata `json:"metadata"`
	Warnings []string `json:"warnings,omitempty"`
}

// Metadata describes how an image was produced.
type Metadata struct {
	RequestID    string         `json:"requestId"`
	RecordID     string         `json:"recordId,omitempty"`
	PredictionID string         `json:"predictionId"`
	ModelVersion string         `json:"modelVersion"`
	Prompt       string         `json:"prompt"`
	Params       map[string]any `json:"params"`
	DurationMs   int64          `json:"durationMs"`
	Quota        *quota.Status  `json:"quota,omitempty"`
}

// Record matches the generation_records table schema.
type Record struct {
	ID           uuid.UUID      `json:"id"`
	UserID       string         `json:"user_id"`
	Prompt       string         `json:"prompt"`
	ImageURL     string         `json:"image_url"`
	Status       string         `json:"status"`
	ModelVersion string         `json:"model_version"`
	PredictionID string         `json:"prediction_id"`
	Params       map[string]any `json:"generation_params"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Kind names the failure class of err for API responses and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, quota.ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, quota.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, quota.ErrNotFound):
		return "not_found"
	case errors.Is(err, inference.ErrGenerationTimedOut):
		return "generation_timed_out"
	case errors.Is(err, inference.ErrGenerationFailed):
		return "generation_failed"
	case errors.Is(err, quota.ErrPersistence):
		return "persistence_failed"
	default:
		return "internal"
	}
}
