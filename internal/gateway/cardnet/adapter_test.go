package cardnet

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

type fakeMutator struct {
	completed []string
	failed    []string
}

func (m *fakeMutator) CompleteByExternalID(ctx context.Context, gatewayName, externalID string, raw []byte) (string, error) {
	m.completed = append(m.completed, externalID)
	return "txn_1", nil
}

func (m *fakeMutator) FailByExternalID(ctx context.Context, gatewayName, externalID, code, message string, raw []byte) (string, error) {
	m.failed = append(m.failed, externalID)
	return "txn_1", nil
}

func testAdapter(t *testing.T, baseURL string) (*Adapter, *fakeMutator) {
	t.Helper()
	mutator := &fakeMutator{}
	cfg := Config{
		BaseURL:       baseURL,
		APIKey:        "sk_test",
		MerchantID:    "m_1",
		WebhookSecret: "whsec_test",
	}
	fees := gateway.FeeSchedule{Version: "v1", PercentBps: 290, FixedMinor: map[money.Currency]int64{money.USD: 30}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(cfg, fees, mutator, logger), mutator
}

func testTxn(t *testing.T) (*domain.Transaction, *domain.PaymentMethod) {
	t.Helper()
	txn, err := domain.NewTransaction(
		"txn_1", "tenant_1", "user_1", "TXN-01ABC", "gw_1", Name,
		domain.TypePayment, money.New(10000, money.USD), money.New(320, money.USD),
	)
	require.NoError(t, err)

	method, err := domain.NewPaymentMethod("pm_1", "tenant_1", "user_1", "", "gw_1", Name, domain.MethodCard)
	require.NoError(t, err)
	method.ExternalID = "tok_visa"
	return txn, method
}

func TestProcessPayment(t *testing.T) {
	var gotIdempotencyKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotIdempotencyKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"id":"ch_1","status":"succeeded"}`))
	}))
	defer srv.Close()

	adapter, _ := testAdapter(t, srv.URL)
	txn, method := testTxn(t)

	result, err := adapter.ProcessPayment(context.Background(), txn, method)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, "ch_1", result.ExternalID)
	assert.Equal(t, "TXN-01ABC", gotIdempotencyKey, "the reference number is the idempotency key")
	assert.Equal(t, "Bearer sk_test", gotAuth)
}

func TestProcessPaymentDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ch_1","status":"failed","decline_code":"insufficient_funds","decline_message":"not enough money"}`))
	}))
	defer srv.Close()

	adapter, _ := testAdapter(t, srv.URL)
	txn, method := testTxn(t)

	result, err := adapter.ProcessPayment(context.Background(), txn, method)
	require.NoError(t, err, "a decline is a result, not an error")
	assert.False(t, result.Succeeded)
	assert.Equal(t, "insufficient_funds", result.ErrorCode)
}

func TestProcessPaymentRequiresAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ch_1","status":"requires_action","next_action_url":"https://3ds.cardnet.example.com/c/1"}`))
	}))
	defer srv.Close()

	adapter, _ := testAdapter(t, srv.URL)
	txn, method := testTxn(t)

	result, err := adapter.ProcessPayment(context.Background(), txn, method)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.True(t, result.RequiresAction)
	assert.Equal(t, "https://3ds.cardnet.example.com/c/1", result.ActionData["next_action_url"])
}

func TestProcessPaymentServerFault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	adapter, _ := testAdapter(t, srv.URL)
	txn, method := testTxn(t)

	_, err := adapter.ProcessPayment(context.Background(), txn, method)
	assert.Error(t, err, "a 5xx is a retryable fault")
}

func TestProcessPaymentRequiresMethod(t *testing.T) {
	adapter, _ := testAdapter(t, "http://unused.invalid")
	txn, _ := testTxn(t)

	result, err := adapter.ProcessPayment(context.Background(), txn, nil)
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, "METHOD_REQUIRED", result.ErrorCode)
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyWebhookSignature(t *testing.T) {
	adapter, _ := testAdapter(t, "http://unused.invalid")
	payload := []byte(`{"id":"evt_1","type":"charge.succeeded"}`)

	assert.True(t, adapter.VerifyWebhookSignature(payload, sign("whsec_test", payload), nil))
	assert.False(t, adapter.VerifyWebhookSignature(payload, sign("wrong_secret", payload), nil))
	assert.False(t, adapter.VerifyWebhookSignature(payload, "", nil), "missing signature fails closed")
	assert.False(t, adapter.VerifyWebhookSignature([]byte(`tampered`), sign("whsec_test", payload), nil))

	adapter.config.WebhookSecret = ""
	assert.False(t, adapter.VerifyWebhookSignature(payload, sign("", payload), nil), "missing secret fails closed")
}

func TestParseWebhook(t *testing.T) {
	adapter, _ := testAdapter(t, "http://unused.invalid")

	eventType, eventID, err := adapter.ParseWebhook([]byte(`{"id":"evt_1","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.succeeded", eventType)
	assert.Equal(t, "evt_1", eventID)

	_, _, err = adapter.ParseWebhook([]byte(`{`))
	assert.Error(t, err)

	_, _, err = adapter.ParseWebhook([]byte(`{"type":"charge.succeeded"}`))
	assert.Error(t, err, "event id is required")
}

func TestProcessWebhook(t *testing.T) {
	adapter, mutator := testAdapter(t, "http://unused.invalid")

	payload := []byte(`{"id":"evt_1","type":"charge.succeeded","data":{"object":{"id":"ch_1"}}}`)
	result, err := adapter.ProcessWebhook(context.Background(), EventChargeSucceeded, payload)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", result.TransactionID)
	assert.Equal(t, []string{"ch_1"}, mutator.completed)

	payload = []byte(`{"id":"evt_2","type":"charge.failed","data":{"object":{"id":"ch_2","decline_code":"expired_card"}}}`)
	result, err = adapter.ProcessWebhook(context.Background(), EventChargeFailed, payload)
	require.NoError(t, err)
	assert.Equal(t, "txn_1", result.TransactionID)
	assert.Equal(t, []string{"ch_2"}, mutator.failed)
}

func TestProcessWebhookIgnoresUnknownEvent(t *testing.T) {
	adapter, mutator := testAdapter(t, "http://unused.invalid")

	result, err := adapter.ProcessWebhook(context.Background(), "customer.created", []byte(`{"id":"evt_3","type":"customer.created"}`))
	require.NoError(t, err)
	assert.Empty(t, result.TransactionID)
	assert.Empty(t, mutator.completed)
	assert.Empty(t, mutator.failed)
}
