// Package domain contains the transaction and payment method entities.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"paycore/internal/common/money"
)

// TransactionType classifies the direction of money movement.
type TransactionType string

const (
	TypePayment TransactionType = "payment"
	TypePayout  TransactionType = "payout"
	TypeRefund  TransactionType = "refund"
)

// TransactionStatus represents the transaction state machine. Transitions are
// monotonic except requires_action -> processing and explicit retry of a
// failed transaction.
type TransactionStatus string

const (
	StatusPending        TransactionStatus = "pending"
	StatusProcessing     TransactionStatus = "processing"
	StatusRequiresAction TransactionStatus = "requires_action"
	StatusCompleted      TransactionStatus = "completed"
	StatusFailed         TransactionStatus = "failed"
)

// DefaultMaxRetries bounds automatic retry of failed transactions.
const DefaultMaxRetries = 3

// Transaction is the unit of money movement.
type Transaction struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	// ReferenceNumber is platform-generated, globally unique, and used as the
	// idempotency key toward the gateway.
	ReferenceNumber string `json:"reference_number"`
	// ExternalRef is the gateway-generated id, unique per gateway.
	ExternalRef string `json:"external_ref,omitempty"`

	GatewayID       string `json:"gateway_id"`
	GatewayName     string `json:"gateway_name"`
	PaymentMethodID string `json:"payment_method_id,omitempty"`

	Type TransactionType `json:"type"`

	GrossAmount money.Money `json:"gross_amount"`
	FeeAmount   money.Money `json:"fee_amount"`
	NetAmount   money.Money `json:"net_amount"`

	FeeScheduleVersion string `json:"fee_schedule_version,omitempty"`

	Status     TransactionStatus `json:"status"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`

	Description string            `json:"description,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`

	ErrorCode       string          `json:"error_code,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	GatewayResponse json.RawMessage `json:"gateway_response,omitempty"`

	// OriginalTransactionID links a refund to the payment it reverses.
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// NewTransaction creates a pending transaction with fees applied. Net amount
// is always derived from gross and fee, never set independently.
func NewTransaction(id, tenantID, userID, referenceNumber, gatewayID, gatewayName string, txnType TransactionType, gross, fee money.Money) (*Transaction, error) {
	if id == "" || referenceNumber == "" {
		return nil, errors.New("id and reference number are required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if gatewayID == "" {
		return nil, errors.New("gateway_id is required")
	}
	if !gross.IsPositive() {
		return nil, errors.New("gross amount must be positive")
	}
	if gross.Currency != fee.Currency {
		return nil, fmt.Errorf("fee currency %s does not match gross currency %s", fee.Currency, gross.Currency)
	}
	if fee.IsNegative() || fee.GreaterThan(gross) {
		return nil, errors.New("fee must be between zero and the gross amount")
	}

	now := time.Now().UTC()
	return &Transaction{
		ID:              id,
		TenantID:        tenantID,
		UserID:          userID,
		ReferenceNumber: referenceNumber,
		GatewayID:       gatewayID,
		GatewayName:     gatewayName,
		Type:            txnType,
		GrossAmount:     gross,
		FeeAmount:       fee,
		NetAmount:       gross.MustSub(fee),
		Status:          StatusPending,
		MaxRetries:      DefaultMaxRetries,
		Metadata:        make(map[string]string),
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// MarkProcessing records gateway acceptance. Valid from pending (initial
// submission, or retry re-entry) and requires_action (challenge completed).
func (t *Transaction) MarkProcessing(externalRef string, raw json.RawMessage) error {
	if t.Status != StatusPending && t.Status != StatusRequiresAction {
		return fmt.Errorf("cannot move %s transaction to processing", t.Status)
	}
	now := time.Now().UTC()
	t.Status = StatusProcessing
	t.ExternalRef = externalRef
	t.GatewayResponse = raw
	t.ProcessedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkRequiresAction records that the gateway needs out-of-band completion.
func (t *Transaction) MarkRequiresAction(externalRef string, raw json.RawMessage) error {
	if t.Status != StatusPending {
		return fmt.Errorf("cannot move %s transaction to requires_action", t.Status)
	}
	t.Status = StatusRequiresAction
	t.ExternalRef = externalRef
	t.GatewayResponse = raw
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted finalizes the transaction. Idempotent: completing a completed
// transaction is a no-op so webhook effects can be safely re-applied.
func (t *Transaction) MarkCompleted(raw json.RawMessage) error {
	if t.Status == StatusCompleted {
		return nil
	}
	if t.Status != StatusProcessing && t.Status != StatusRequiresAction {
		return fmt.Errorf("cannot complete %s transaction", t.Status)
	}
	now := time.Now().UTC()
	t.Status = StatusCompleted
	if raw != nil {
		t.GatewayResponse = raw
	}
	t.CompletedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkFailed records a failure with a structured error code. Idempotent like
// MarkCompleted; failing a completed transaction is rejected.
func (t *Transaction) MarkFailed(code, message string, raw json.RawMessage) error {
	if t.Status == StatusFailed {
		return nil
	}
	if t.Status == StatusCompleted {
		return errors.New("cannot fail a completed transaction")
	}
	t.Status = StatusFailed
	t.ErrorCode = code
	t.ErrorMessage = message
	if raw != nil {
		t.GatewayResponse = raw
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CanBeRetried reports whether automatic retry is permitted: the transaction
// must be failed, under its retry budget, and not expired.
func (t *Transaction) CanBeRetried(now time.Time) bool {
	if t.Status != StatusFailed {
		return false
	}
	if t.RetryCount >= t.MaxRetries {
		return false
	}
	if t.ExpiresAt != nil && !now.Before(*t.ExpiresAt) {
		return false
	}
	return true
}

// PrepareRetry moves a failed transaction back to pending for re-submission
// with the same reference number, incrementing the retry count.
func (t *Transaction) PrepareRetry(now time.Time) error {
	if !t.CanBeRetried(now) {
		return errors.New("transaction cannot be retried")
	}
	t.Status = StatusPending
	t.RetryCount++
	t.ErrorCode = ""
	t.ErrorMessage = ""
	t.UpdatedAt = now.UTC()
	return nil
}

// IsTerminal reports whether no further automatic transitions apply.
func (t *Transaction) IsTerminal(now time.Time) bool {
	switch t.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return !t.CanBeRetried(now)
	default:
		return false
	}
}
