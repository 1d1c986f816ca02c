// Package generation runs quota-gated image generation requests.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/soba-labs/soba/internal/governance/quota"
	"github.com/soba-labs/soba/internal/inference"
	"github.com/soba-labs/soba/internal/metrics"
	inats "github.com/soba-labs/soba/internal/nats"
	"github.com/soba-labs/soba/internal/retry"
)

const (
	defaultMaxPromptLen = 1000
	logPromptLen        = 50
	defaultHistoryLimit = 5
	maxHistoryLimit     = 50
)

// EventSink receives lifecycle and audit events. *nats.Publisher satisfies it.
type EventSink interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
	PublishGenerationEvent(ctx context.Context, event inats.GenerationEvent) error
}

// Service drives one request through validation, quota reservation,
// inference, record persistence and quota advancement.
type Service struct {
	quotas          *quota.Service
	records         RecordStore
	generator       inference.Generator
	events          EventSink
	policy          retry.Policy
	requireExisting bool
	maxPromptLen    int
	now             func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithEvents publishes generation and audit events to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithRetryPolicy sets the policy for record inserts.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithRequireExistingQuota rejects users that were never initialized
// instead of creating their quota record on first use.
func WithRequireExistingQuota(require bool) Option {
	return func(s *Service) { s.requireExisting = require }
}

// WithMaxPromptLen caps the prompt length in characters.
func WithMaxPromptLen(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxPromptLen = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new generation Service.
func NewService(quotas *quota.Service, records RecordStore, generator inference.Generator, opts ...Option) *Service {
	s := &Service{
		quotas:       quotas,
		records:      records,
		generator:    generator,
		policy:       retry.DefaultPolicy(),
		maxPromptLen: defaultMaxPromptLen,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type run struct {
	id     string
	userID string
	prompt string
	start  time.Time
	state  State
}

func (s *Service) transition(r *run, next State, attrs ...any) {
	slog.Info("generation state changed",
		append([]any{
			"request_id", r.id,
			"user_id", r.userID,
			"from", r.state,
			"to", next,
			"elapsed", s.now().Sub(r.start),
		}, attrs...)...)
	r.state = next
}

// Generate produces one image for req. The request is not cancellable once
// started; ctx only carries values.
//
// A nil Result comes with an error matching one of ErrInvalidRequest,
// quota.ErrNotFound, quota.ErrQuotaExceeded, quota.ErrRateLimited,
// quota.ErrPersistence, inference.ErrGenerationFailed or
// inference.ErrGenerationTimedOut. Failures after the image exists are
// reported as warnings on a successful Result.
func (s *Service) Generate(ctx context.Context, req Request) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	r := &run{
		id:     uuid.NewString(),
		userID: strings.TrimSpace(req.UserID),
		prompt: strings.TrimSpace(req.Prompt),
		start:  s.now(),
		state:  StateValidating,
	}
	slog.Info("generation requested", "request_id", r.id, "user_id", r.userID, "prompt", truncate(r.prompt, logPromptLen))

	if err := s.validate(r); err != nil {
		return s.fail(ctx, r, err)
	}

	s.transition(r, StateQuotaChecking)
	q, err := s.loadQuota(ctx, r.userID)
	if err != nil {
		return s.fail(ctx, r, err)
	}
	if !s.quotas.CheckLimit(q) {
		return s.fail(ctx, r, quota.ErrQuotaExceeded)
	}
	slot, err := s.quotas.Reserve(ctx, r.userID)
	if err != nil {
		return s.fail(ctx, r, err)
	}

	s.transition(r, StateGenerating)
	out, err := s.generator.Generate(ctx, r.prompt, req.Params)
	if err != nil {
		if rerr := s.quotas.Release(ctx, slot); rerr != nil {
			slog.Warn("releasing quota reservation", "request_id", r.id, "user_id", r.userID, "error", rerr)
		}
		if !errors.Is(err, inference.ErrGenerationFailed) && !errors.Is(err, inference.ErrGenerationTimedOut) {
			err = fmt.Errorf("%w: %w", inference.ErrGenerationFailed, err)
		}
		return s.fail(ctx, r, err)
	}

	var warnings []string

	s.transition(r, StatePersisting, "prediction_id", out.PredictionID)
	rec := &Record{
		ID:           uuid.New(),
		UserID:       r.userID,
		Prompt:       r.prompt,
		ImageURL:     out.ImageURL,
		Status:       StatusCompleted,
		ModelVersion: out.ModelVersion,
		PredictionID: out.PredictionID,
		Params:       out.Input,
		CreatedAt:    s.now(),
	}
	if err := retry.Do(ctx, s.policy.Named("generation record insert"), func(ctx context.Context) error {
		return s.records.Insert(ctx, rec)
	}); err != nil {
		slog.Error("persisting generation record", "request_id", r.id, "user_id", r.userID, "image_url", out.ImageURL, "error", err)
		warnings = append(warnings, WarnRecordPersistFailed)
		s.audit(ctx, r, "generation.record_persist_failed", inats.SeverityError, map[string]any{
			"image_url":     out.ImageURL,
			"prediction_id": out.PredictionID,
			"error":         err.Error(),
		})
		rec = nil
	}

	s.transition(r, StateQuotaAdvancing)
	var status *quota.Status
	q, err = s.quotas.Advance(ctx, slot)
	if err != nil {
		slog.Error("advancing quota after generation", "request_id", r.id, "user_id", r.userID, "error", err)
		warnings = append(warnings, WarnQuotaInconsistent)
		s.audit(ctx, r, "generation.quota_advance_failed", inats.SeverityError, map[string]any{
			"prediction_id": out.PredictionID,
			"error":         err.Error(),
		})
	} else {
		limit := s.quotas.DailyLimit()
		status = &quota.Status{
			GenerationsToday: q.GenerationsToday,
			TotalGenerations: q.TotalGenerations,
			RemainingToday:   q.Available(s.now(), limit),
		}
	}

	s.transition(r, StateDone)
	elapsed := s.now().Sub(r.start)
	metrics.GenerationsTotal.WithLabelValues("success").Inc()

	res := &Result{
		Success:  true,
		ImageURL: out.ImageURL,
		Metadata: Metadata{
			RequestID:    r.id,
			PredictionID: out.PredictionID,
			ModelVersion: out.ModelVersion,
			Prompt:       r.prompt,
			Params:       out.Input,
			DurationMs:   elapsed.Milliseconds(),
			Quota:        status,
		},
		Warnings: warnings,
	}
	if rec != nil {
		res.Metadata.RecordID = rec.ID.String()
	}

	s.audit(ctx, r, "generation.completed", inats.SeverityInfo, map[string]any{
		"image_url":     out.ImageURL,
		"prediction_id": out.PredictionID,
		"warnings":      warnings,
	})
	s.publish(ctx, inats.GenerationEvent{
		RequestID:    r.id,
		UserID:       r.userID,
		Outcome:      "success",
		ImageURL:     out.ImageURL,
		PredictionID: out.PredictionID,
		Warnings:     warnings,
		DurationMs:   elapsed.Milliseconds(),
		Timestamp:    s.now(),
	})
	return res, nil
}

// History returns the user's most recent generation records.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]Record, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	limit = min(limit, maxHistoryLimit)

	records, err := s.records.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: listing generation records: %w", quota.ErrPersistence, err)
	}
	return records, nil
}

func (s *Service) validate(r *run) error {
	if r.userID == "" || r.prompt == "" {
		return fmt.Errorf("%w: userId and prompt are required", ErrInvalidRequest)
	}
	if n := utf8.RuneCountInString(r.prompt); n > s.maxPromptLen {
		return fmt.Errorf("%w: prompt is %d characters, limit is %d", ErrInvalidRequest, n, s.maxPromptLen)
	}
	return nil
}

// loadQuota returns the user's record, creating it on first use unless
// records must be initialised through /user/init.
func (s *Service) loadQuota(ctx context.Context, userID string) (*quota.Quota, error) {
	if s.requireExisting {
		return s.quotas.Get(ctx, userID)
	}
	return s.quotas.GetOrCreate(ctx, userID)
}

func (s *Service) fail(ctx context.Context, r *run, err error) (*Result, error) {
	kind := Kind(err)
	s.transition(r, StateError, "kind", kind)

	attrs := []any{"request_id", r.id, "user_id", r.userID, "kind", kind, "error", err}
	switch kind {
	case "invalid_request", "quota_exceeded", "rate_limited", "not_found":
		slog.Info("generation rejected", attrs...)
	default:
		slog.Error("generation failed", attrs...)
	}

	metrics.GenerationsTotal.WithLabelValues(kind).Inc()
	switch kind {
	case "invalid_request", "rate_limited":
	case "quota_exceeded", "not_found":
		s.audit(ctx, r, "generation."+kind, inats.SeverityWarn, map[string]any{})
	default:
		s.audit(ctx, r, "generation."+kind, inats.SeverityError, map[string]any{"error": err.Error()})
	}
	s.publish(ctx, inats.GenerationEvent{
		RequestID:  r.id,
		UserID:     r.userID,
		Outcome:    kind,
		DurationMs: s.now().Sub(r.start).Milliseconds(),
		Timestamp:  s.now(),
	})
	return nil, err
}

func (s *Service) publish(ctx context.Context, event inats.GenerationEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishGenerationEvent(ctx, event); err != nil {
		slog.Warn("publishing generation event", "request_id", event.RequestID, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, r *run, eventType, severity string, details map[string]any) {
	if s.events == nil {
		return
	}
	details["request_id"] = r.id
	event := inats.AuditEvent{
		UserID:       r.userID,
		EventType:    eventType,
		Severity:     severity,
		ResourceType: "generation",
		ResourceID:   r.id,
		Details:      details,
		Timestamp:    s.now(),
	}
	if err := s.events.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("publishing audit event", "request_id", r.id, "event_type", eventType, "error", err)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
