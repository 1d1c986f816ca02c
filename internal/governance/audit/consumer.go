package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	inats "github.com/soba-labs/soba/internal/nats"
)

const consumerName = "audit-persister"

// Consumer listens on the audit event NATS subject and persists entries to the database.
type Consumer struct {
	repo        *Repository
	consumerMgr *inats.ConsumerManager
}

// NewConsumer creates a new audit event Consumer.
func NewConsumer(repo *Repository, consumerMgr *inats.ConsumerManager) *Consumer {
	return &Consumer{
		repo:        repo,
		consumerMgr: consumerMgr,
	}
}

// Start begins the consume loop. Blocks until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	consumer, err := c.consumerMgr.EnsureConsumer(ctx, inats.StreamEvents, consumerName, inats.SubjectAuditEvent, 5)
	if err != nil {
		return err
	}

	slog.Info("audit consumer started", "consumer", consumerName)

	for {
		msgs, err := consumer.Fetch(10, jetstream.FetchMaxWait(inats.FetchTimeout))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("audit consumer: fetching events", "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			c.handleEvent(ctx, msg)
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *Consumer) handleEvent(ctx context.Context, msg jetstream.Msg) {
	var event inats.AuditEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// Malformed payloads never become valid; drop them.
		slog.Error("audit consumer: unmarshaling event", "error", err)
		_ = msg.Term()
		return
	}

	log := EventToLog(event, msg.Data())

	if err := c.repo.Insert(ctx, log); err != nil {
		slog.Error("audit consumer: persisting audit log", "error", err, "event_type", event.EventType)
		_ = msg.Nak()
		return
	}

	_ = msg.Ack()

	slog.Debug("audit consumer: persisted event",
		"event_type", event.EventType,
		"user_id", event.UserID,
		"resource_id", event.ResourceID,
	)
}

// EventToLog converts a published event into a row. The id is derived from
// the raw payload so a redelivered message maps to the same row.
func EventToLog(event inats.AuditEvent, payload []byte) *AuditLog {
	log := &AuditLog{
		ID:           uuid.NewSHA1(uuid.NameSpaceOID, payload),
		UserID:       event.UserID,
		EventType:    event.EventType,
		Severity:     event.Severity,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		CreatedAt:    event.Timestamp,
	}

	switch event.Severity {
	case inats.SeverityInfo, inats.SeverityWarn, inats.SeverityError:
	default:
		log.Severity = inats.SeverityInfo
	}

	if len(event.Details) > 0 {
		if data, err := json.Marshal(event.Details); err == nil {
			log.Details = data
		}
	}

	return log
}
