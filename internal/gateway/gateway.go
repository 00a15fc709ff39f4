// Package gateway defines the uniform contract every payment provider adapter
// implements, along with the registry used to resolve adapters at runtime.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"paycore/internal/common/money"
	"paycore/internal/payment/domain"
)

// Result is the normalized outcome of a gateway operation. Expected business
// failures (declined card, unsupported currency) come back as a failed Result;
// Go errors are reserved for genuinely unexpected faults such as network I/O,
// which callers treat as retryable.
type Result struct {
	Succeeded      bool            `json:"succeeded"`
	ExternalID     string          `json:"external_id,omitempty"`
	RequiresAction bool            `json:"requires_action,omitempty"`
	ActionData     map[string]any  `json:"action_data,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RawResponse    json.RawMessage `json:"raw_response,omitempty"`

	// TransactionID is set by ProcessWebhook when the adapter correlates the
	// event to a platform transaction.
	TransactionID string `json:"transaction_id,omitempty"`
}

// Success builds a successful Result.
func Success(externalID string, raw json.RawMessage) Result {
	return Result{Succeeded: true, ExternalID: externalID, RawResponse: raw}
}

// ActionRequired builds a successful Result that needs out-of-band completion
// (e.g. a 3DS challenge or a mobile-money PIN prompt).
func ActionRequired(externalID string, actionData map[string]any, raw json.RawMessage) Result {
	return Result{
		Succeeded:      true,
		ExternalID:     externalID,
		RequiresAction: true,
		ActionData:     actionData,
		RawResponse:    raw,
	}
}

// Failure builds a failed Result with a structured error code.
func Failure(code, message string, raw json.RawMessage) Result {
	return Result{Succeeded: false, ErrorCode: code, ErrorMessage: message, RawResponse: raw}
}

// Gateway is the contract every payment provider adapter satisfies.
//
// ProcessPayment must be safe to call at most once per transaction reference
// number; adapters pass the reference as an idempotency key to providers that
// support one.
type Gateway interface {
	Name() string

	ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (Result, error)
	ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (Result, error)
	ProcessRefund(ctx context.Context, original *domain.Transaction, refund *domain.Transaction, reason string) (Result, error)

	AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (Result, error)
	VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (Result, error)
	RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (Result, error)

	// VerifyWebhookSignature authenticates an inbound webhook. Implementations
	// must fail closed: any doubt is a rejection.
	VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool

	// ParseWebhook extracts the provider event type and provider-scoped event
	// id from a raw payload, validating the provider's schema at the boundary.
	ParseWebhook(payload []byte) (eventType, eventID string, err error)

	// ProcessWebhook applies the business effect of a webhook: it locates the
	// correlated transaction and mutates its status idempotently.
	ProcessWebhook(ctx context.Context, eventType string, payload []byte) (Result, error)

	GetTransactionStatus(ctx context.Context, externalID string) (Result, error)

	CalculateFees(amount money.Money) (FeeBreakdown, error)

	SupportedCurrencies() []money.Currency
	SupportedCountries() []string
	ValidateCredentials(ctx context.Context) error
}

// TransactionMutator is the callback surface adapters use to apply webhook
// effects to transactions. Both methods are idempotent: they move a
// transaction to a fixed terminal status and are no-ops once it is there, so a
// crash between effect and acknowledgment is safely re-appliable.
type TransactionMutator interface {
	CompleteByExternalID(ctx context.Context, gatewayName, externalID string, raw []byte) (txnID string, err error)
	FailByExternalID(ctx context.Context, gatewayName, externalID, code, message string, raw []byte) (txnID string, err error)
}
