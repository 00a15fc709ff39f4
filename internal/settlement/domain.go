// Package settlement batches completed merchant funds into cross-border bank
// transfers.
package settlement

import (
	"errors"
	"fmt"
	"time"

	"paycore/internal/common/money"
)

// Status is the settlement state machine: pending -> processing ->
// completed | failed, plus cancelled from pending only.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// RetryLookback bounds how long a failed settlement stays retryable.
const RetryLookback = 7 * 24 * time.Hour

// Settlement is one payable amount owed to a merchant, created when a payment
// transaction completes and paid out by the batch processor.
type Settlement struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	BankAccountID string `json:"bank_account_id"`

	// Amount is the accrued net amount owed.
	Amount money.Money `json:"amount"`
	// SettlementAmount is fixed at the moment the settlement leaves pending
	// and never changes afterwards, whatever happens to the transfer.
	SettlementAmount money.Money    `json:"settlement_amount"`
	TargetCurrency   money.Currency `json:"target_currency"`

	EstimatedFee money.Money `json:"estimated_fee"`
	ActualFee    money.Money `json:"actual_fee"`

	// Provider references populated during processing.
	RecipientID string `json:"recipient_id,omitempty"`
	QuoteID     string `json:"quote_id,omitempty"`
	TransferID  string `json:"transfer_id,omitempty"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// NewSettlement creates a pending settlement for a completed transaction.
func NewSettlement(id, tenantID, userID, transactionID, bankAccountID string, amount money.Money, target money.Currency) (*Settlement, error) {
	if id == "" || tenantID == "" || userID == "" {
		return nil, errors.New("id, tenant_id and user_id are required")
	}
	if transactionID == "" {
		return nil, errors.New("transaction_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("settlement amount must be positive")
	}

	now := time.Now().UTC()
	return &Settlement{
		ID:             id,
		TenantID:       tenantID,
		UserID:         userID,
		TransactionID:  transactionID,
		BankAccountID:  bankAccountID,
		Amount:         amount,
		TargetCurrency: target,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkProcessing fixes the settlement amount and moves to processing. Only
// valid from pending or from failed (retry).
func (s *Settlement) MarkProcessing() error {
	if s.Status != StatusPending && s.Status != StatusFailed {
		return fmt.Errorf("cannot process %s settlement", s.Status)
	}
	now := time.Now().UTC()
	if s.Status == StatusPending {
		s.SettlementAmount = s.Amount
	}
	s.Status = StatusProcessing
	s.FailureReason = ""
	s.ProcessedAt = &now
	s.UpdatedAt = now
	return nil
}

// MarkCompleted finalizes the settlement with the fee the provider actually
// charged. Idempotent.
func (s *Settlement) MarkCompleted(actualFee money.Money) error {
	if s.Status == StatusCompleted {
		return nil
	}
	if s.Status != StatusProcessing {
		return fmt.Errorf("cannot complete %s settlement", s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusCompleted
	s.ActualFee = actualFee
	s.CompletedAt = &now
	s.UpdatedAt = now
	return nil
}

// MarkFailed records a failure reason. The fixed settlement amount is kept so
// a retry pays exactly what this run attempted.
func (s *Settlement) MarkFailed(reason string) error {
	if s.Status == StatusCompleted || s.Status == StatusCancelled {
		return fmt.Errorf("cannot fail %s settlement", s.Status)
	}
	now := time.Now().UTC()
	s.Status = StatusFailed
	s.FailureReason = reason
	s.FailedAt = &now
	s.UpdatedAt = now
	return nil
}

// Cancel withdraws a settlement. Permitted from pending only: once processing
// has begun money may already be moving.
func (s *Settlement) Cancel() error {
	if s.Status != StatusPending {
		return fmt.Errorf("only pending settlements can be cancelled (status %s)", s.Status)
	}
	s.Status = StatusCancelled
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// CanRetry reports whether a failed settlement is still within the retry
// look-back window.
func (s *Settlement) CanRetry(now time.Time) bool {
	if s.Status != StatusFailed || s.FailedAt == nil {
		return false
	}
	return now.Sub(*s.FailedAt) <= RetryLookback
}

// BankAccount is the merchant's payout destination. Transfers are only sent
// to verified accounts.
type BankAccount struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`

	HolderName    string         `json:"holder_name"`
	AccountNumber string         `json:"account_number,omitempty"`
	IBAN          string         `json:"iban,omitempty"`
	BankCode      string         `json:"bank_code,omitempty"`
	Country       string         `json:"country"`
	Currency      money.Currency `json:"currency"`

	Verified bool `json:"verified"`

	// RecipientID caches the transfer provider's recipient handle.
	RecipientID string `json:"recipient_id,omitempty"`

	LastTransferAt *time.Time `json:"last_transfer_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
