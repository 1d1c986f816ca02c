// Package users serves wallet onboarding and usage statistics.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soba-labs/soba/internal/chain"
	"github.com/soba-labs/soba/internal/governance/quota"
	inats "github.com/soba-labs/soba/internal/nats"
)

var (
	ErrInvalidRequest  = errors.New("users: invalid request")
	ErrHoldingRequired = errors.New("users: wallet does not hold the required balance")
	ErrVerificationOff = errors.New("users: holding verification is not configured")
)

// HoldingVerifier reports a wallet's token holding. *chain.Verifier satisfies it.
type HoldingVerifier interface {
	VerifyHolding(ctx context.Context, wallet string) (*chain.Holding, error)
}

// AuditSink receives audit events. *nats.Publisher satisfies it.
type AuditSink interface {
	PublishAuditEvent(ctx context.Context, event inats.AuditEvent) error
}

type Service struct {
	quotas         *quota.Service
	verifier       HoldingVerifier
	requireHolding bool
	audit          AuditSink
}

type Option func(*Service)

// WithVerifier enables GET /nft/verify. With require set, Init also refuses
// wallets below the minimum balance.
func WithVerifier(v HoldingVerifier, require bool) Option {
	return func(s *Service) {
		s.verifier = v
		s.requireHolding = require
	}
}

func WithAudit(sink AuditSink) Option {
	return func(s *Service) { s.audit = sink }
}

func NewService(quotas *quota.Service, opts ...Option) *Service {
	s := &Service{quotas: quotas}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init returns the user's quota record, creating it on first call.
func (s *Service) Init(ctx context.Context, userID string) (*quota.Quota, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}

	if s.requireHolding {
		h, err := s.Verify(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !h.HasNft {
			return nil, fmt.Errorf("%w: balance %.6f, minimum %.6f", ErrHoldingRequired, h.Balance, h.MinimumRequired)
		}
	}

	return s.quotas.GetOrCreate(ctx, userID)
}

func (s *Service) Stats(ctx context.Context, userID string) (*quota.Stats, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	return s.quotas.Stats(ctx, userID)
}

// UpdateStats records n generations made outside POST /generate.
func (s *Service) UpdateStats(ctx context.Context, userID string, n int) (*quota.Stats, error) {
	if strings.TrimSpace(userID) == "" || n <= 0 {
		return nil, fmt.Errorf("%w: userId and a positive incrementUsed are required", ErrInvalidRequest)
	}

	if _, err := s.quotas.AddUsage(ctx, userID, n); err != nil {
		return nil, err
	}
	s.publish(ctx, inats.AuditEvent{
		UserID:       userID,
		EventType:    "user.usage_added",
		Severity:     inats.SeverityInfo,
		ResourceType: "quota",
		ResourceID:   userID,
		Details:      map[string]any{"increment": n},
		Timestamp:    time.Now().UTC(),
	})
	return s.quotas.Stats(ctx, userID)
}

func (s *Service) Verify(ctx context.Context, userID string) (*chain.Holding, error) {
	if s.verifier == nil {
		return nil, ErrVerificationOff
	}
	return s.verifier.VerifyHolding(ctx, userID)
}

func (s *Service) publish(ctx context.Context, event inats.AuditEvent) {
	if s.audit == nil {
		return
	}
	if err := s.audit.PublishAuditEvent(ctx, event); err != nil {
		slog.Warn("publishing audit event", "event_type", event.EventType, "user_id", event.UserID, "error", err)
	}
}
