package gateway

import (
	"time"

	"paycore/internal/common/money"
)

// Record is the persisted configuration of one payment provider. Records are
// immutable once referenced by a transaction; only the status flags and
// health counters change.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`

	SupportsPayments  bool `json:"supports_payments"`
	SupportsPayouts   bool `json:"supports_payouts"`
	SupportsRefunds   bool `json:"supports_refunds"`
	SupportsRecurring bool `json:"supports_recurring"`
	SupportsWebhooks  bool `json:"supports_webhooks"`

	Currencies []money.Currency `json:"currencies"`
	Countries  []string         `json:"countries"`

	FeeSchedule FeeSchedule `json:"fee_schedule"`

	Priority int  `json:"priority"`
	Active   bool `json:"active"`

	// Health telemetry, updated on every orchestrated call.
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`

	// ExpiryWindow bounds how long a failed transaction on this gateway stays
	// retryable.
	ExpiryWindow time.Duration `json:"expiry_window"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Capability names a gateway capability for selection.
type Capability string

const (
	CapabilityPayments  Capability = "payments"
	CapabilityPayouts   Capability = "payouts"
	CapabilityRefunds   Capability = "refunds"
	CapabilityRecurring Capability = "recurring"
	CapabilityWebhooks  Capability = "webhooks"
)

// Supports reports whether the record advertises a capability.
func (r *Record) Supports(c Capability) bool {
	switch c {
	case CapabilityPayments:
		return r.SupportsPayments
	case CapabilityPayouts:
		return r.SupportsPayouts
	case CapabilityRefunds:
		return r.SupportsRefunds
	case CapabilityRecurring:
		return r.SupportsRecurring
	case CapabilityWebhooks:
		return r.SupportsWebhooks
	default:
		return false
	}
}

// SupportsCurrency reports whether the record supports a currency.
func (r *Record) SupportsCurrency(c money.Currency) bool {
	for _, cur := range r.Currencies {
		if cur == c {
			return true
		}
	}
	return false
}

// SuccessRate returns the observed success rate in [0,1], or 1 when the
// gateway has not been exercised yet.
func (r *Record) SuccessRate() float64 {
	total := r.SuccessCount + r.FailureCount
	if total == 0 {
		return 1
	}
	return float64(r.SuccessCount) / float64(total)
}
