package gateway

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/payment/domain"
)

// stubGateway satisfies Gateway with no-op behavior for registry tests.
type stubGateway struct {
	name string
}

func (s *stubGateway) Name() string { return s.name }

func (s *stubGateway) ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (Result, error) {
	return Success("ext", nil), nil
}

func (s *stubGateway) ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (Result, error) {
	return Success("ext", nil), nil
}

func (s *stubGateway) ProcessRefund(ctx context.Context, original, refund *domain.Transaction, reason string) (Result, error) {
	return Success("ext", nil), nil
}

func (s *stubGateway) AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (Result, error) {
	return Success("pm", nil), nil
}

func (s *stubGateway) VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (Result, error) {
	return Success("pm", nil), nil
}

func (s *stubGateway) RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (Result, error) {
	return Success("pm", nil), nil
}

func (s *stubGateway) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool {
	return false
}

func (s *stubGateway) ParseWebhook(payload []byte) (string, string, error) { return "", "", nil }

func (s *stubGateway) ProcessWebhook(ctx context.Context, eventType string, payload []byte) (Result, error) {
	return Result{}, nil
}

func (s *stubGateway) GetTransactionStatus(ctx context.Context, externalID string) (Result, error) {
	return Result{}, nil
}

func (s *stubGateway) CalculateFees(amount money.Money) (FeeBreakdown, error) {
	return FeeSchedule{}.Calculate(amount)
}

func (s *stubGateway) SupportedCurrencies() []money.Currency { return []money.Currency{money.USD} }
func (s *stubGateway) SupportedCountries() []string          { return []string{"US"} }
func (s *stubGateway) ValidateCredentials(ctx context.Context) error {
	return nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubGateway{name: "alpha"})
	r.Register(&stubGateway{name: "beta"})

	gw, ok := r.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha", gw.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestRegistryDuplicateRegistrationPanics(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubGateway{name: "alpha"})
	assert.Panics(t, func() {
		r.Register(&stubGateway{name: "alpha"})
	})
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubGateway{name: "alpha"})

	records := []*Record{
		{Name: "alpha", Active: true},
		{Name: "retired", Active: false},
	}
	require.NoError(t, r.Validate(records))

	records = append(records, &Record{Name: "orphan", Active: true})
	err := r.Validate(records)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orphan")
}

func TestRegistryTransferGateway(t *testing.T) {
	r := NewRegistry()
	_, ok := r.TransferGateway()
	assert.False(t, ok)
}
