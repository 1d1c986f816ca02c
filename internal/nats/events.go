package nats

import (
	"time"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// StreamEvents holds every event this service emits.
const StreamEvents = "SOBA_EVENTS"

// Subject constants.
const (
	SubjectEventsAll       = "soba.events.>"
	SubjectAuditEvent      = "soba.events.audit"
	SubjectGenerationEvent = "soba.events.generation"
)

// Severity levels for AuditEvent.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AuditEvent is published for anything an operator may need to reconcile later.
type AuditEvent struct {
	UserID       string         `json:"user_id"`
	EventType    string         `json:"event_type"`
	Severity     string         `json:"severity"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// GenerationEvent is published once per finished generation request.
type GenerationEvent struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	Outcome      string    `json:"outcome"`
	ImageURL     string    `json:"image_url,omitempty"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Warnings     []string  `json:"warnings,omitempty"`
	DurationMs   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}
