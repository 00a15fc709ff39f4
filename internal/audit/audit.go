// Package audit emits write-once structured events for every meaningful state
// transition in the payment and settlement pipeline.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/middleware"
)

// Event kinds recorded by this subsystem.
const (
	KindTransactionCreated        = "transaction.created"
	KindTransactionProcessing     = "transaction.processing"
	KindTransactionRequiresAction = "transaction.requires_action"
	KindTransactionCompleted      = "transaction.completed"
	KindTransactionFailed         = "transaction.failed"
	KindTransactionRetried        = "transaction.retried"

	KindWebhookReceived  = "webhook.received"
	KindWebhookDuplicate = "webhook.duplicate"
	KindWebhookRejected  = "webhook.signature_rejected"
	KindWebhookProcessed = "webhook.processed"
	KindWebhookFailed    = "webhook.processing_failed"

	KindSettlementCreated       = "settlement.created"
	KindSettlementProcessing    = "settlement.processing"
	KindSettlementCompleted     = "settlement.completed"
	KindSettlementFailed        = "settlement.failed"
	KindSettlementSkipped       = "settlement.skipped"
	KindSettlementCancelled     = "settlement.cancelled"
	KindSettlementFeeDivergence = "settlement.fee_divergence"

	KindBatchCompleted = "settlement.batch.completed"

	KindMethodAdded    = "payment_method.added"
	KindMethodVerified = "payment_method.verified"
	KindMethodRemoved  = "payment_method.removed"
)

// Entity types referenced by audit events.
const (
	EntityTransaction   = "transaction"
	EntityPaymentMethod = "payment_method"
	EntityWebhookEvent  = "webhook_event"
	EntitySettlement    = "settlement"
	EntityBatchRun      = "batch_run"
)

// Event is a write-once record of one state transition.
type Event struct {
	ID            string          `json:"event_id"`
	Kind          string          `json:"kind"`
	TenantID      string          `json:"tenant_id"`
	EntityType    string          `json:"entity_type"`
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// Recorder is the audit sink consumed by the orchestration layers.
type Recorder interface {
	Record(ctx context.Context, kind, entityType, entityID string, payload any)
}

// Publisher pushes serialized events to a message broker.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Store persists audit events.
type Store interface {
	Insert(ctx context.Context, event *Event) error
}

// Sink records audit events to the store and publishes them to NATS. Recording
// is best effort: a sink failure is logged, never propagated, so an audit
// outage cannot block money movement.
type Sink struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewSink creates a new audit sink. Either store or publisher may be nil.
func NewSink(store Store, publisher Publisher, logger *slog.Logger) *Sink {
	return &Sink{store: store, publisher: publisher, logger: logger}
}

// Record implements Recorder.
func (s *Sink) Record(ctx context.Context, kind, entityType, entityID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal audit payload", "kind", kind, "error", err)
		data = []byte("{}")
	}

	event := &Event{
		ID:            ulid.Make().String(),
		Kind:          kind,
		TenantID:      middleware.GetTenantID(ctx),
		EntityType:    entityType,
		EntityID:      entityID,
		CorrelationID: middleware.GetCorrelationID(ctx),
		Payload:       data,
		OccurredAt:    time.Now().UTC(),
	}

	if s.store != nil {
		if err := s.store.Insert(ctx, event); err != nil {
			s.logger.Error("failed to persist audit event",
				"kind", kind,
				"entity_id", entityID,
				"error", err,
			)
		}
	}

	if s.publisher != nil {
		raw, err := json.Marshal(event)
		if err == nil {
			if err := s.publisher.Publish(ctx, "audit."+kind, raw); err != nil {
				s.logger.Error("failed to publish audit event",
					"kind", kind,
					"entity_id", entityID,
					"error", err,
				)
			}
		}
	}
}

// NopRecorder discards events. Used in tests.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, string, string, string, any) {}
