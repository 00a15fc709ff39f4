package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
	"paycore/internal/settlement"
)

// Ingestion errors mapped to HTTP statuses by the handler.
var (
	ErrUnknownGateway   = errors.New("unknown gateway")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedPayload = errors.New("malformed webhook payload")
)

// EventStore is the persistence surface the service depends on.
type EventStore interface {
	Insert(ctx context.Context, e *Event) error
	Get(ctx context.Context, gatewayName, eventID string) (*Event, error)
	MarkProcessed(ctx context.Context, id, transactionID string) error
	MarkSkipped(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
	ListReplayable(ctx context.Context, limit int) ([]*Event, error)
}

var _ EventStore = (*Store)(nil)

// Config holds webhook service configuration.
type Config struct {
	ProcessTimeout  time.Duration `envconfig:"WEBHOOK_PROCESS_TIMEOUT" default:"30s"`
	ReplayBatchSize int           `envconfig:"WEBHOOK_REPLAY_BATCH" default:"50"`
	ReplayInterval  time.Duration `envconfig:"WEBHOOK_REPLAY_INTERVAL" default:"5m"`
}

// TransactionGetter loads a transaction by id.
type TransactionGetter interface {
	GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error)
}

// SettlementAccruer accrues a settlement for a completed payment.
type SettlementAccruer interface {
	CreateForTransaction(ctx context.Context, txn *domain.Transaction) (*settlement.Settlement, error)
}

// Service ingests and processes gateway webhooks exactly once.
type Service struct {
	store    EventStore
	registry *gateway.Registry
	audit    audit.Recorder
	logger   *slog.Logger
	cfg      Config

	txns    TransactionGetter
	accruer SettlementAccruer
}

// NewService creates a new webhook service.
func NewService(store EventStore, registry *gateway.Registry, recorder audit.Recorder, logger *slog.Logger, cfg Config) *Service {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 50
	}
	return &Service{
		store:    store,
		registry: registry,
		audit:    recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// WithSettlementAccrual makes the service accrue a settlement whenever a
// webhook completes a payment transaction.
func (s *Service) WithSettlementAccrual(txns TransactionGetter, accruer SettlementAccruer) *Service {
	s.txns = txns
	s.accruer = accruer
	return s
}

// IngestResult reports what happened to one delivery.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Processed bool   `json:"processed"`
}

// Ingest authenticates, persists, and processes one webhook delivery.
//
// Signature verification fails closed. A delivery whose (gateway, event id)
// was seen before is acknowledged without effect: the unique constraint on the
// event row is the exactly-once guard, and the transaction mutations behind
// ProcessWebhook are idempotent, so a crash after processing but before
// acknowledgment only costs a duplicate acknowledgment, never a double effect.
func (s *Service) Ingest(ctx context.Context, gatewayName string, payload []byte, signature string, headers http.Header) (*IngestResult, error) {
	adapter, ok := s.registry.Get(gatewayName)
	if !ok {
		return nil, ErrUnknownGateway
	}

	if !adapter.VerifyWebhookSignature(payload, signature, headers) {
		s.audit.Record(ctx, audit.KindWebhookRejected, audit.EntityWebhookEvent, "", map[string]any{
			"gateway": gatewayName,
		})
		s.logger.Warn("webhook signature rejected", "gateway", gatewayName)
		return nil, ErrInvalidSignature
	}

	eventType, eventID, err := adapter.ParseWebhook(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	event := &Event{
		ID:          ulid.Make().String(),
		GatewayName: gatewayName,
		EventID:     eventID,
		EventType:   eventType,
		Payload:     payload,
		Status:      StatusReceived,
		ReceivedAt:  time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, event); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			s.audit.Record(ctx, audit.KindWebhookDuplicate, audit.EntityWebhookEvent, eventID, map[string]any{
				"gateway":    gatewayName,
				"event_type": eventType,
			})
			s.logger.Info("duplicate webhook acknowledged",
				"gateway", gatewayName, "event_id", eventID, "event_type", eventType)
			return &IngestResult{EventID: eventID, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("persisting webhook event: %w", err)
	}
	s.audit.Record(ctx, audit.KindWebhookReceived, audit.EntityWebhookEvent, event.ID, map[string]any{
		"gateway":    gatewayName,
		"event_type": eventType,
		"event_id":   eventID,
	})

	processed := s.process(ctx, adapter, event)
	return &IngestResult{EventID: eventID, Processed: processed}, nil
}

// process applies the business effect of a persisted event. Failures are
// recorded on the event and retried later by the replay sweep; they never
// bubble up to the provider, which already got its acknowledgment.
func (s *Service) process(ctx context.Context, adapter gateway.Gateway, event *Event) bool {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	defer cancel()

	result, err := adapter.ProcessWebhook(callCtx, event.EventType, event.Payload)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// No correlated transaction: the provider is ahead of us or the
			// event belongs to another system. Park it for replay.
			s.logger.Warn("webhook has no correlated transaction",
				"gateway", event.GatewayName, "event_id", event.EventID)
		} else {
			s.logger.Error("webhook processing failed",
				"gateway", event.GatewayName, "event_id", event.EventID, "error", err)
		}
		if merr := s.store.MarkFailed(ctx, event.ID, err.Error()); merr != nil {
			s.logger.Error("failed to mark webhook failed", "id", event.ID, "error", merr)
		}
		s.audit.Record(ctx, audit.KindWebhookFailed, audit.EntityWebhookEvent, event.ID, map[string]any{
			"gateway":    event.GatewayName,
			"event_type": event.EventType,
			"error":      err.Error(),
		})
		return false
	}

	if result.TransactionID == "" {
		if err := s.store.MarkSkipped(ctx, event.ID); err != nil {
			s.logger.Error("failed to mark webhook skipped", "id", event.ID, "error", err)
		}
		return true
	}

	if err := s.store.MarkProcessed(ctx, event.ID, result.TransactionID); err != nil {
		s.logger.Error("failed to mark webhook processed", "id", event.ID, "error", err)
	}
	s.accrueSettlement(ctx, result.TransactionID)
	s.audit.Record(ctx, audit.KindWebhookProcessed, audit.EntityWebhookEvent, event.ID, map[string]any{
		"gateway":        event.GatewayName,
		"event_type":     event.EventType,
		"transaction_id": result.TransactionID,
	})
	s.logger.Info("webhook processed",
		"gateway", event.GatewayName,
		"event_id", event.EventID,
		"event_type", event.EventType,
		"transaction_id", result.TransactionID,
	)
	return true
}

// accrueSettlement opportunistically creates a settlement when a webhook
// completed a payment. Duplicate accrual is absorbed by the one-settlement-
// per-transaction constraint.
func (s *Service) accrueSettlement(ctx context.Context, transactionID string) {
	if s.txns == nil || s.accruer == nil {
		return
	}
	txn, err := s.txns.GetTransaction(ctx, "", transactionID)
	if err != nil {
		s.logger.Error("failed to load transaction for settlement accrual",
			"transaction_id", transactionID, "error", err)
		return
	}
	if txn.Status != domain.StatusCompleted || txn.Type != domain.TypePayment {
		return
	}
	if _, err := s.accruer.CreateForTransaction(ctx, txn); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return
		}
		s.logger.Error("failed to accrue settlement",
			"transaction_id", transactionID, "error", err)
	}
}

// ReplayFailed re-processes failed events still under the attempt bound.
// Returns how many events were successfully processed.
func (s *Service) ReplayFailed(ctx context.Context) (int, error) {
	events, err := s.store.ListReplayable(ctx, s.cfg.ReplayBatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing replayable events: %w", err)
	}

	var ok int
	for _, event := range events {
		adapter, found := s.registry.Get(event.GatewayName)
		if !found {
			s.logger.Warn("replay skipping event for unknown gateway",
				"gateway", event.GatewayName, "event_id", event.EventID)
			continue
		}
		if s.process(ctx, adapter, event) {
			ok++
		}
	}

	if len(events) > 0 {
		s.logger.Info("webhook replay sweep finished", "eligible", len(events), "processed", ok)
	}
	return ok, nil
}

// RunReplayLoop runs the replay sweep on an interval until the context ends.
func (s *Service) RunReplayLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ReplayFailed(ctx); err != nil {
				s.logger.Error("webhook replay sweep failed", "error", err)
			}
		}
	}
}
