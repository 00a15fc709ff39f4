package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

// Service errors surfaced to the API layer.
var (
	ErrNotRetryable      = errors.New("transaction cannot be retried")
	ErrMethodNotVerified = errors.New("payment method is not verified")
	ErrRefundExceeds     = errors.New("refund exceeds refundable amount")
)

// TransactionStore is the persistence surface the service depends on.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, t *domain.Transaction) error
	UpdateTransaction(ctx context.Context, t *domain.Transaction) error
	GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error)
	GetByReferenceNumber(ctx context.Context, reference string) (*domain.Transaction, error)
	ListByUser(ctx context.Context, tenantID, userID string, limit, offset int) ([]*domain.Transaction, error)
	SumRefundedMinor(ctx context.Context, originalID string) (int64, error)

	CreateMethod(ctx context.Context, m *domain.PaymentMethod) error
	GetMethod(ctx context.Context, tenantID, id string) (*domain.PaymentMethod, error)
	ListMethodsByUser(ctx context.Context, tenantID, userID string) ([]*domain.PaymentMethod, error)
	UpdateMethod(ctx context.Context, m *domain.PaymentMethod) error
	DeleteMethod(ctx context.Context, tenantID, id string) error
}

// GatewayResolver resolves gateway records and tracks health telemetry.
type GatewayResolver interface {
	Resolve(ctx context.Context, tenantID, pinnedID string, capability gateway.Capability, currency money.Currency) (*gateway.Record, error)
	GetByName(ctx context.Context, name string) (*gateway.Record, error)
	RecordOutcome(ctx context.Context, id string, success bool) error
}

// Config holds payment service configuration.
type Config struct {
	GatewayCallTimeout time.Duration `envconfig:"GATEWAY_CALL_TIMEOUT" default:"30s"`
}

// Service orchestrates transaction submission, retry, refund, and payment
// method management across gateways.
type Service struct {
	store    TransactionStore
	gateways GatewayResolver
	registry *gateway.Registry
	audit    audit.Recorder
	logger   *slog.Logger
	cfg      Config
}

// NewService creates a new payment service.
func NewService(store TransactionStore, gateways GatewayResolver, registry *gateway.Registry, recorder audit.Recorder, logger *slog.Logger, cfg Config) *Service {
	if cfg.GatewayCallTimeout <= 0 {
		cfg.GatewayCallTimeout = 30 * time.Second
	}
	return &Service{
		store:    store,
		gateways: gateways,
		registry: registry,
		audit:    recorder,
		logger:   logger,
		cfg:      cfg,
	}
}

// SubmitRequest is a payment or payout submission.
type SubmitRequest struct {
	UserID          string            `json:"user_id" validate:"required"`
	AmountMinor     int64             `json:"amount_minor" validate:"required,gt=0"`
	Currency        money.Currency    `json:"currency" validate:"required,len=3"`
	Description     string            `json:"description,omitempty"`
	PaymentMethodID string            `json:"payment_method_id,omitempty"`
	GatewayID       string            `json:"gateway_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// SubmitResponse is the synchronous result of a submission. Completion is
// asynchronous: the response reflects gateway acceptance, not settlement.
type SubmitResponse struct {
	TransactionID        string                   `json:"transaction_id"`
	ReferenceNumber      string                   `json:"reference_number"`
	GatewayTransactionID string                   `json:"gateway_transaction_id,omitempty"`
	Status               domain.TransactionStatus `json:"status"`
	RequiresAction       bool                     `json:"requires_action"`
	ActionData           map[string]any           `json:"action_data,omitempty"`
	FeeBreakdown         gateway.FeeBreakdown     `json:"fee_breakdown"`
	ErrorCode            string                   `json:"error_code,omitempty"`
	ErrorMessage         string                   `json:"error_message,omitempty"`
}

// SubmitPayment orchestrates a charge. It returns immediately after gateway
// acceptance; completion arrives later via webhook.
func (s *Service) SubmitPayment(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	return s.submit(ctx, req, domain.TypePayment, gateway.CapabilityPayments)
}

// SubmitPayout orchestrates an outbound payout to a verified payment method.
func (s *Service) SubmitPayout(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.PaymentMethodID == "" {
		return nil, errors.New("payout requires a payment method")
	}
	return s.submit(ctx, req, domain.TypePayout, gateway.CapabilityPayouts)
}

func (s *Service) submit(ctx context.Context, req *SubmitRequest, txnType domain.TransactionType, capability gateway.Capability) (*SubmitResponse, error) {
	tenantID := middleware.GetTenantID(ctx)
	if tenantID == "" {
		return nil, errors.New("tenant is required")
	}
	if !money.IsSupported(req.Currency) {
		return nil, fmt.Errorf("unsupported currency: %s", req.Currency)
	}

	gross := money.New(req.AmountMinor, req.Currency)

	rec, err := s.gateways.Resolve(ctx, tenantID, req.GatewayID, capability, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("resolving gateway: %w", err)
	}
	adapter, ok := s.registry.Get(rec.Name)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", rec.Name)
	}

	var method *domain.PaymentMethod
	if req.PaymentMethodID != "" {
		method, err = s.store.GetMethod(ctx, tenantID, req.PaymentMethodID)
		if err != nil {
			return nil, fmt.Errorf("loading payment method: %w", err)
		}
		if method.UserID != req.UserID {
			return nil, errors.New("payment method does not belong to user")
		}
		if !method.IsVerified() {
			return nil, ErrMethodNotVerified
		}
	}

	fees, err := adapter.CalculateFees(gross)
	if err != nil {
		return nil, fmt.Errorf("calculating fees: %w", err)
	}

	id := ulid.Make().String()
	reference := fmt.Sprintf("TXN-%s", id)

	txn, err := domain.NewTransaction(id, tenantID, req.UserID, reference, rec.ID, rec.Name, txnType, gross, fees.TotalFee)
	if err != nil {
		return nil, err
	}
	txn.FeeScheduleVersion = fees.ScheduleVersion
	txn.Description = req.Description
	if req.Metadata != nil {
		txn.Metadata = req.Metadata
	}
	txn.Metadata["reference_number"] = reference
	if method != nil {
		txn.PaymentMethodID = method.ID
	}
	if rec.ExpiryWindow > 0 {
		expires := txn.CreatedAt.Add(rec.ExpiryWindow)
		txn.ExpiresAt = &expires
	}

	if err := s.store.CreateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("persisting transaction: %w", err)
	}
	s.audit.Record(ctx, audit.KindTransactionCreated, audit.EntityTransaction, txn.ID, txn)

	return s.dispatch(ctx, txn, method, adapter, rec, fees)
}

// dispatch invokes the gateway and applies the resulting transition. Shared
// by initial submission and retry so both go through the same path with the
// same reference number.
func (s *Service) dispatch(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod, adapter gateway.Gateway, rec *gateway.Record, fees gateway.FeeBreakdown) (*SubmitResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
	defer cancel()

	var result gateway.Result
	var err error
	switch txn.Type {
	case domain.TypePayout:
		result, err = adapter.ProcessPayout(callCtx, txn, method)
	default:
		result, err = adapter.ProcessPayment(callCtx, txn, method)
	}

	resp := &SubmitResponse{
		TransactionID:   txn.ID,
		ReferenceNumber: txn.ReferenceNumber,
		FeeBreakdown:    fees,
	}

	if err != nil {
		// Unexpected fault (network, provider 5xx): retryable failure.
		_ = txn.MarkFailed("GATEWAY_ERROR", err.Error(), nil)
		if uerr := s.store.UpdateTransaction(ctx, txn); uerr != nil {
			s.logger.Error("failed to persist gateway error", "transaction_id", txn.ID, "error", uerr)
		}
		_ = s.gateways.RecordOutcome(ctx, rec.ID, false)
		s.audit.Record(ctx, audit.KindTransactionFailed, audit.EntityTransaction, txn.ID, txn)
		return nil, fmt.Errorf("gateway call failed: %w", err)
	}

	switch {
	case result.Succeeded && result.RequiresAction:
		if terr := txn.MarkRequiresAction(result.ExternalID, result.RawResponse); terr != nil {
			return nil, terr
		}
		_ = s.gateways.RecordOutcome(ctx, rec.ID, true)
		s.audit.Record(ctx, audit.KindTransactionRequiresAction, audit.EntityTransaction, txn.ID, txn)
		resp.RequiresAction = true
		resp.ActionData = result.ActionData

	case result.Succeeded:
		if terr := txn.MarkProcessing(result.ExternalID, result.RawResponse); terr != nil {
			return nil, terr
		}
		_ = s.gateways.RecordOutcome(ctx, rec.ID, true)
		s.audit.Record(ctx, audit.KindTransactionProcessing, audit.EntityTransaction, txn.ID, txn)

	default:
		// Business decline: terminal unless retried.
		_ = txn.MarkFailed(result.ErrorCode, result.ErrorMessage, result.RawResponse)
		_ = s.gateways.RecordOutcome(ctx, rec.ID, false)
		s.audit.Record(ctx, audit.KindTransactionFailed, audit.EntityTransaction, txn.ID, txn)
		resp.ErrorCode = result.ErrorCode
		resp.ErrorMessage = result.ErrorMessage
	}

	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("persisting transaction state: %w", err)
	}

	resp.Status = txn.Status
	resp.GatewayTransactionID = txn.ExternalRef

	s.logger.Info("transaction dispatched",
		"transaction_id", txn.ID,
		"reference", txn.ReferenceNumber,
		"gateway", txn.GatewayName,
		"type", txn.Type,
		"status", txn.Status,
		"gross_minor", txn.GrossAmount.AmountMinor,
		"currency", txn.GrossAmount.Currency,
	)

	return resp, nil
}

// Retry re-submits a failed transaction through the same orchestration path
// with the same reference number, so a gateway with idempotency key support
// treats it as the same logical operation.
func (s *Service) Retry(ctx context.Context, tenantID, transactionID string) (*SubmitResponse, error) {
	txn, err := s.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !txn.CanBeRetried(now) {
		return nil, ErrNotRetryable
	}
	if err := txn.PrepareRetry(now); err != nil {
		return nil, ErrNotRetryable
	}
	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.KindTransactionRetried, audit.EntityTransaction, txn.ID, map[string]any{
		"retry_count": txn.RetryCount,
		"max_retries": txn.MaxRetries,
	})

	rec, err := s.gateways.GetByName(ctx, txn.GatewayName)
	if err != nil {
		return nil, fmt.Errorf("loading gateway record: %w", err)
	}
	adapter, ok := s.registry.Get(rec.Name)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", rec.Name)
	}

	var method *domain.PaymentMethod
	if txn.PaymentMethodID != "" {
		method, err = s.store.GetMethod(ctx, tenantID, txn.PaymentMethodID)
		if err != nil {
			return nil, fmt.Errorf("loading payment method: %w", err)
		}
	}

	fees := gateway.FeeBreakdown{
		ScheduleVersion: txn.FeeScheduleVersion,
		TotalFee:        txn.FeeAmount,
		NetAmount:       txn.NetAmount,
	}

	return s.dispatch(ctx, txn, method, adapter, rec, fees)
}

// RefundRequest submits a refund against a completed payment.
type RefundRequest struct {
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Reason      string `json:"reason,omitempty"`
}

// Refund creates and dispatches a refund transaction, capped by the
// original's unrefunded amount. Refunds carry no platform fee.
func (s *Service) Refund(ctx context.Context, tenantID, originalID string, req *RefundRequest) (*SubmitResponse, error) {
	original, err := s.store.GetTransaction(ctx, tenantID, originalID)
	if err != nil {
		return nil, err
	}
	if original.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("only completed transactions can be refunded (status %s)", original.Status)
	}
	if original.Type != domain.TypePayment {
		return nil, errors.New("only payments can be refunded")
	}

	refunded, err := s.store.SumRefundedMinor(ctx, original.ID)
	if err != nil {
		return nil, err
	}
	if req.AmountMinor > original.GrossAmount.AmountMinor-refunded {
		return nil, ErrRefundExceeds
	}

	rec, err := s.gateways.GetByName(ctx, original.GatewayName)
	if err != nil {
		return nil, fmt.Errorf("loading gateway record: %w", err)
	}
	if !rec.SupportsRefunds {
		return nil, fmt.Errorf("gateway %s does not support refunds", rec.Name)
	}
	adapter, ok := s.registry.Get(rec.Name)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", rec.Name)
	}

	amount := money.New(req.AmountMinor, original.GrossAmount.Currency)
	id := ulid.Make().String()
	reference := fmt.Sprintf("TXN-%s", id)

	refund, err := domain.NewTransaction(id, tenantID, original.UserID, reference, rec.ID, rec.Name, domain.TypeRefund, amount, money.Zero(amount.Currency))
	if err != nil {
		return nil, err
	}
	refund.OriginalTransactionID = original.ID
	refund.Description = req.Reason
	refund.Metadata["reference_number"] = reference
	refund.Metadata["original_reference"] = original.ReferenceNumber

	if err := s.store.CreateTransaction(ctx, refund); err != nil {
		return nil, fmt.Errorf("persisting refund: %w", err)
	}
	s.audit.Record(ctx, audit.KindTransactionCreated, audit.EntityTransaction, refund.ID, refund)

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
	defer cancel()

	result, err := adapter.ProcessRefund(callCtx, original, refund, req.Reason)

	resp := &SubmitResponse{TransactionID: refund.ID, ReferenceNumber: refund.ReferenceNumber}

	if err != nil {
		_ = refund.MarkFailed("GATEWAY_ERROR", err.Error(), nil)
		if uerr := s.store.UpdateTransaction(ctx, refund); uerr != nil {
			s.logger.Error("failed to persist gateway error", "transaction_id", refund.ID, "error", uerr)
		}
		_ = s.gateways.RecordOutcome(ctx, rec.ID, false)
		s.audit.Record(ctx, audit.KindTransactionFailed, audit.EntityTransaction, refund.ID, refund)
		return nil, fmt.Errorf("gateway call failed: %w", err)
	}

	if result.Succeeded {
		if terr := refund.MarkProcessing(result.ExternalID, result.RawResponse); terr != nil {
			return nil, terr
		}
		_ = s.gateways.RecordOutcome(ctx, rec.ID, true)
		s.audit.Record(ctx, audit.KindTransactionProcessing, audit.EntityTransaction, refund.ID, refund)
	} else {
		_ = refund.MarkFailed(result.ErrorCode, result.ErrorMessage, result.RawResponse)
		_ = s.gateways.RecordOutcome(ctx, rec.ID, false)
		s.audit.Record(ctx, audit.KindTransactionFailed, audit.EntityTransaction, refund.ID, refund)
		resp.ErrorCode = result.ErrorCode
		resp.ErrorMessage = result.ErrorMessage
	}

	if err := s.store.UpdateTransaction(ctx, refund); err != nil {
		return nil, fmt.Errorf("persisting refund state: %w", err)
	}

	resp.Status = refund.Status
	resp.GatewayTransactionID = refund.ExternalRef
	return resp, nil
}

// GetTransaction returns a transaction scoped to the tenant.
func (s *Service) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	return s.store.GetTransaction(ctx, tenantID, id)
}

// ListTransactions lists a user's transactions.
func (s *Service) ListTransactions(ctx context.Context, tenantID, userID string, limit, offset int) ([]*domain.Transaction, error) {
	return s.store.ListByUser(ctx, tenantID, userID, limit, offset)
}

// Reconcile queries the gateway for the current status of a processing
// transaction whose webhook never arrived, and applies the outcome through
// the same idempotent transitions a webhook would.
func (s *Service) Reconcile(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	txn, err := s.store.GetTransaction(ctx, tenantID, transactionID)
	if err != nil {
		return nil, err
	}
	if txn.Status != domain.StatusProcessing || txn.ExternalRef == "" {
		return txn, nil
	}

	adapter, ok := s.registry.Get(txn.GatewayName)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", txn.GatewayName)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
	defer cancel()

	result, err := adapter.GetTransactionStatus(callCtx, txn.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("querying gateway status: %w", err)
	}

	if result.Succeeded {
		if err := txn.MarkCompleted(result.RawResponse); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, audit.KindTransactionCompleted, audit.EntityTransaction, txn.ID, txn)
	} else {
		if err := txn.MarkFailed(result.ErrorCode, result.ErrorMessage, result.RawResponse); err != nil {
			return nil, err
		}
		s.audit.Record(ctx, audit.KindTransactionFailed, audit.EntityTransaction, txn.ID, txn)
	}

	if err := s.store.UpdateTransaction(ctx, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

var _ TransactionStore = (*Store)(nil)
var _ GatewayResolver = (*gateway.Store)(nil)

// IsNotFound reports whether an error is a missing-record error.
func IsNotFound(err error) bool {
	return database.IsNotFound(err)
}
