package gateway

import (
	"context"
	"time"

	"paycore/internal/common/money"
)

// Transfer statuses reported by the cross-border transfer provider.
const (
	TransferPending   = "PENDING"
	TransferFunded    = "FUNDED"
	TransferCompleted = "COMPLETED"
	TransferFailed    = "FAILED"
)

// RecipientRequest describes the destination bank account for a transfer.
type RecipientRequest struct {
	Name          string         `json:"name"`
	AccountNumber string         `json:"account_number,omitempty"`
	IBAN          string         `json:"iban,omitempty"`
	BankCode      string         `json:"bank_code,omitempty"`
	Country       string         `json:"country"`
	Currency      money.Currency `json:"currency"`
}

// TransferQuote is a currency-conversion quote from the transfer provider.
type TransferQuote struct {
	ID           string      `json:"id"`
	SourceAmount money.Money `json:"source_amount"`
	TargetAmount money.Money `json:"target_amount"`
	Rate         string      `json:"rate"`
	Fee          money.Money `json:"fee"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// TransferRequest initiates a transfer against a quote.
type TransferRequest struct {
	QuoteID     string `json:"quote_id"`
	RecipientID string `json:"recipient_id"`
	Reference   string `json:"reference"`
}

// Transfer is the provider's view of an initiated transfer.
type Transfer struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	ActualFee money.Money `json:"actual_fee"`
	Reference string      `json:"reference"`
}

// TransferGateway is the contract for the cross-border settlement provider.
// All calls are blocking I/O; callers bound them with context deadlines.
type TransferGateway interface {
	Name() string
	EnsureRecipient(ctx context.Context, req RecipientRequest) (recipientID string, err error)
	Quote(ctx context.Context, amount money.Money, target money.Currency) (*TransferQuote, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*Transfer, error)
	FundTransfer(ctx context.Context, transferID string) (*Transfer, error)
	GetTransferStatus(ctx context.Context, transferID string) (*Transfer, error)
}
