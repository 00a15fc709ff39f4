package payment

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

// fakeStore is an in-memory TransactionStore.
type fakeStore struct {
	txns     map[string]*domain.Transaction
	methods  map[string]*domain.PaymentMethod
	refunded map[string]int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txns:     make(map[string]*domain.Transaction),
		methods:  make(map[string]*domain.PaymentMethod),
		refunded: make(map[string]int64),
	}
}

func (f *fakeStore) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	if _, exists := f.txns[t.ID]; exists {
		return database.ErrAlreadyExists
	}
	f.txns[t.ID] = t
	return nil
}

func (f *fakeStore) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	if _, exists := f.txns[t.ID]; !exists {
		return database.ErrNotFound
	}
	f.txns[t.ID] = t
	return nil
}

func (f *fakeStore) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	t, ok := f.txns[id]
	if !ok || t.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) GetByReferenceNumber(ctx context.Context, reference string) (*domain.Transaction, error) {
	for _, t := range f.txns {
		if t.ReferenceNumber == reference {
			return t, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ListByUser(ctx context.Context, tenantID, userID string, limit, offset int) ([]*domain.Transaction, error) {
	var out []*domain.Transaction
	for _, t := range f.txns {
		if t.TenantID == tenantID && t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) SumRefundedMinor(ctx context.Context, originalID string) (int64, error) {
	return f.refunded[originalID], nil
}

func (f *fakeStore) CreateMethod(ctx context.Context, m *domain.PaymentMethod) error {
	f.methods[m.ID] = m
	return nil
}

func (f *fakeStore) GetMethod(ctx context.Context, tenantID, id string) (*domain.PaymentMethod, error) {
	m, ok := f.methods[id]
	if !ok || m.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) ListMethodsByUser(ctx context.Context, tenantID, userID string) ([]*domain.PaymentMethod, error) {
	var out []*domain.PaymentMethod
	for _, m := range f.methods {
		if m.TenantID == tenantID && m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateMethod(ctx context.Context, m *domain.PaymentMethod) error {
	f.methods[m.ID] = m
	return nil
}

func (f *fakeStore) DeleteMethod(ctx context.Context, tenantID, id string) error {
	delete(f.methods, id)
	return nil
}

// fakeResolver returns a single configured gateway record.
type fakeResolver struct {
	rec      *gateway.Record
	outcomes []bool
}

func (f *fakeResolver) Resolve(ctx context.Context, tenantID, pinnedID string, capability gateway.Capability, currency money.Currency) (*gateway.Record, error) {
	return f.rec, nil
}

func (f *fakeResolver) GetByName(ctx context.Context, name string) (*gateway.Record, error) {
	if name != f.rec.Name {
		return nil, database.ErrNotFound
	}
	return f.rec, nil
}

func (f *fakeResolver) RecordOutcome(ctx context.Context, id string, success bool) error {
	f.outcomes = append(f.outcomes, success)
	return nil
}

// fakeAdapter is a scriptable gateway adapter.
type fakeAdapter struct {
	name string
	fees gateway.FeeSchedule

	paymentResult gateway.Result
	paymentErr    error
	refundResult  gateway.Result
	statusResult  gateway.Result

	paymentCalls int
	lastRef      string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) ProcessPayment(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	f.paymentCalls++
	f.lastRef = txn.ReferenceNumber
	return f.paymentResult, f.paymentErr
}

func (f *fakeAdapter) ProcessPayout(ctx context.Context, txn *domain.Transaction, method *domain.PaymentMethod) (gateway.Result, error) {
	return f.ProcessPayment(ctx, txn, method)
}

func (f *fakeAdapter) ProcessRefund(ctx context.Context, original, refund *domain.Transaction, reason string) (gateway.Result, error) {
	return f.refundResult, nil
}

func (f *fakeAdapter) AddPaymentMethod(ctx context.Context, method *domain.PaymentMethod, credentials map[string]string) (gateway.Result, error) {
	return gateway.Success("pm_ext", nil), nil
}

func (f *fakeAdapter) VerifyPaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	return gateway.Success("pm_ext", nil), nil
}

func (f *fakeAdapter) RemovePaymentMethod(ctx context.Context, method *domain.PaymentMethod) (gateway.Result, error) {
	return gateway.Success("pm_ext", nil), nil
}

func (f *fakeAdapter) VerifyWebhookSignature(payload []byte, signature string, headers http.Header) bool {
	return false
}

func (f *fakeAdapter) ParseWebhook(payload []byte) (string, string, error) { return "", "", nil }

func (f *fakeAdapter) ProcessWebhook(ctx context.Context, eventType string, payload []byte) (gateway.Result, error) {
	return gateway.Result{}, nil
}

func (f *fakeAdapter) GetTransactionStatus(ctx context.Context, externalID string) (gateway.Result, error) {
	return f.statusResult, nil
}

func (f *fakeAdapter) CalculateFees(amount money.Money) (gateway.FeeBreakdown, error) {
	return f.fees.Calculate(amount)
}

func (f *fakeAdapter) SupportedCurrencies() []money.Currency {
	return []money.Currency{money.USD, money.EUR}
}

func (f *fakeAdapter) SupportedCountries() []string { return []string{"US"} }

func (f *fakeAdapter) ValidateCredentials(ctx context.Context) error { return nil }

func testService(t *testing.T) (*Service, *fakeStore, *fakeResolver, *fakeAdapter) {
	t.Helper()

	adapter := &fakeAdapter{
		name:          "testgw",
		fees:          gateway.FeeSchedule{Version: "v1", PercentBps: 290, FixedMinor: map[money.Currency]int64{money.USD: 30}},
		paymentResult: gateway.Success("ext_1", nil),
		refundResult:  gateway.Success("re_1", nil),
	}

	registry := gateway.NewRegistry()
	registry.Register(adapter)

	resolver := &fakeResolver{rec: &gateway.Record{
		ID:               "gw_1",
		Name:             "testgw",
		SupportsPayments: true,
		SupportsPayouts:  true,
		SupportsRefunds:  true,
		Currencies:       []money.Currency{money.USD, money.EUR},
		Active:           true,
		ExpiryWindow:     7 * 24 * time.Hour,
	}}

	store := newFakeStore()
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	svc := NewService(store, resolver, registry, audit.NopRecorder{}, logger, Config{})
	return svc, store, resolver, adapter
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func testCtx() context.Context {
	return middleware.WithTenantID(context.Background(), "tenant_1")
}

func verifiedMethod(t *testing.T, store *fakeStore) *domain.PaymentMethod {
	t.Helper()
	m, err := domain.NewPaymentMethod("pm_1", "tenant_1", "user_1", "", "gw_1", "testgw", domain.MethodCard)
	require.NoError(t, err)
	require.NoError(t, m.AdvanceVerification(domain.VerificationVerified))
	require.NoError(t, store.CreateMethod(context.Background(), m))
	return m
}

func TestSubmitPaymentSuccess(t *testing.T) {
	svc, store, resolver, _ := testService(t)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessing, resp.Status)
	assert.True(t, strings.HasPrefix(resp.ReferenceNumber, "TXN-"))
	assert.Equal(t, "ext_1", resp.GatewayTransactionID)
	assert.Equal(t, int64(320), resp.FeeBreakdown.TotalFee.AmountMinor)

	stored := store.txns[resp.TransactionID]
	require.NotNil(t, stored)
	assert.Equal(t, domain.StatusProcessing, stored.Status)
	assert.Equal(t, int64(9680), stored.NetAmount.AmountMinor)
	require.NotNil(t, stored.ExpiresAt, "expiry is derived from the gateway window")

	assert.Equal(t, []bool{true}, resolver.outcomes)
}

func TestSubmitPaymentDecline(t *testing.T) {
	svc, store, resolver, adapter := testService(t)
	adapter.paymentResult = gateway.Failure("CARD_DECLINED", "insufficient funds", nil)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err, "a business decline is a result, not an error")

	assert.Equal(t, domain.StatusFailed, resp.Status)
	assert.Equal(t, "CARD_DECLINED", resp.ErrorCode)
	assert.Equal(t, domain.StatusFailed, store.txns[resp.TransactionID].Status)
	assert.Equal(t, []bool{false}, resolver.outcomes)
}

func TestSubmitPaymentGatewayFault(t *testing.T) {
	svc, store, _, adapter := testService(t)
	adapter.paymentErr = errors.New("connection reset")

	_, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.Error(t, err, "an I/O fault propagates so the caller can retry")

	// The transaction is persisted failed with a retryable error code.
	require.Len(t, store.txns, 1)
	for _, txn := range store.txns {
		assert.Equal(t, domain.StatusFailed, txn.Status)
		assert.Equal(t, "GATEWAY_ERROR", txn.ErrorCode)
		assert.True(t, txn.CanBeRetried(time.Now().UTC()))
	}
}

func TestSubmitPaymentRequiresAction(t *testing.T) {
	svc, store, _, adapter := testService(t)
	adapter.paymentResult = gateway.ActionRequired("ext_1", map[string]any{"redirect_url": "https://3ds.example"}, nil)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusRequiresAction, resp.Status)
	assert.True(t, resp.RequiresAction)
	assert.Equal(t, "https://3ds.example", resp.ActionData["redirect_url"])
	assert.Equal(t, domain.StatusRequiresAction, store.txns[resp.TransactionID].Status)
}

func TestSubmitPaymentUnsupportedCurrency(t *testing.T) {
	svc, _, _, _ := testService(t)
	_, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 100,
		Currency:    money.Currency("ZZZ"),
	})
	assert.Error(t, err)
}

func TestSubmitPaymentRequiresTenant(t *testing.T) {
	svc, _, _, _ := testService(t)
	_, err := svc.SubmitPayment(context.Background(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 100,
		Currency:    money.USD,
	})
	assert.Error(t, err)
}

func TestSubmitPaymentUnverifiedMethod(t *testing.T) {
	svc, store, _, _ := testService(t)

	m, err := domain.NewPaymentMethod("pm_1", "tenant_1", "user_1", "", "gw_1", "testgw", domain.MethodCard)
	require.NoError(t, err)
	require.NoError(t, store.CreateMethod(context.Background(), m))

	_, err = svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:          "user_1",
		AmountMinor:     10000,
		Currency:        money.USD,
		PaymentMethodID: "pm_1",
	})
	assert.ErrorIs(t, err, ErrMethodNotVerified)
}

func TestSubmitPaymentForeignMethodRejected(t *testing.T) {
	svc, store, _, _ := testService(t)
	verifiedMethod(t, store)

	_, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:          "someone_else",
		AmountMinor:     10000,
		Currency:        money.USD,
		PaymentMethodID: "pm_1",
	})
	assert.Error(t, err)
}

func TestSubmitPayoutRequiresMethod(t *testing.T) {
	svc, _, _, _ := testService(t)
	_, err := svc.SubmitPayout(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	svc, store, _, adapter := testService(t)
	adapter.paymentResult = gateway.Failure("CARD_DECLINED", "declined", nil)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, resp.Status)
	firstRef := adapter.lastRef

	adapter.paymentResult = gateway.Success("ext_2", nil)
	retried, err := svc.Retry(testCtx(), "tenant_1", resp.TransactionID)
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessing, retried.Status)
	assert.Equal(t, firstRef, adapter.lastRef, "retry reuses the reference number as the idempotency key")
	assert.Equal(t, 1, store.txns[resp.TransactionID].RetryCount)
}

func TestRetryBudgetExhausted(t *testing.T) {
	svc, store, _, adapter := testService(t)
	adapter.paymentResult = gateway.Failure("CARD_DECLINED", "declined", nil)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)

	for i := 0; i < domain.DefaultMaxRetries; i++ {
		_, err = svc.Retry(testCtx(), "tenant_1", resp.TransactionID)
		require.NoError(t, err)
	}

	_, err = svc.Retry(testCtx(), "tenant_1", resp.TransactionID)
	assert.ErrorIs(t, err, ErrNotRetryable)
	assert.Equal(t, domain.DefaultMaxRetries, store.txns[resp.TransactionID].RetryCount)
}

func TestRetryRejectsNonFailed(t *testing.T) {
	svc, _, _, _ := testService(t)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, resp.Status)

	_, err = svc.Retry(testCtx(), "tenant_1", resp.TransactionID)
	assert.ErrorIs(t, err, ErrNotRetryable)
}

func completedPayment(t *testing.T, svc *Service, store *fakeStore) *domain.Transaction {
	t.Helper()
	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)
	txn := store.txns[resp.TransactionID]
	require.NoError(t, txn.MarkCompleted(nil))
	return txn
}

func TestRefund(t *testing.T) {
	svc, store, _, _ := testService(t)
	original := completedPayment(t, svc, store)

	resp, err := svc.Refund(testCtx(), "tenant_1", original.ID, &RefundRequest{AmountMinor: 4000, Reason: "partial return"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusProcessing, resp.Status)
	refund := store.txns[resp.TransactionID]
	require.NotNil(t, refund)
	assert.Equal(t, domain.TypeRefund, refund.Type)
	assert.Equal(t, original.ID, refund.OriginalTransactionID)
	assert.Equal(t, int64(4000), refund.GrossAmount.AmountMinor)
	assert.True(t, refund.FeeAmount.IsZero(), "refunds carry no platform fee")
}

func TestRefundExceedsCap(t *testing.T) {
	svc, store, _, _ := testService(t)
	original := completedPayment(t, svc, store)
	store.refunded[original.ID] = 8000

	_, err := svc.Refund(testCtx(), "tenant_1", original.ID, &RefundRequest{AmountMinor: 3000})
	assert.ErrorIs(t, err, ErrRefundExceeds)

	_, err = svc.Refund(testCtx(), "tenant_1", original.ID, &RefundRequest{AmountMinor: 2000})
	assert.NoError(t, err, "refund up to the remaining amount is allowed")
}

func TestRefundRejectsNonCompleted(t *testing.T) {
	svc, store, _, _ := testService(t)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, store.txns[resp.TransactionID].Status)

	_, err = svc.Refund(testCtx(), "tenant_1", resp.TransactionID, &RefundRequest{AmountMinor: 1000})
	assert.Error(t, err)
}

func TestReconcile(t *testing.T) {
	svc, store, _, adapter := testService(t)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusProcessing, store.txns[resp.TransactionID].Status)

	adapter.statusResult = gateway.Success("ext_1", nil)
	txn, err := svc.Reconcile(testCtx(), "tenant_1", resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status)
}

func TestReconcileFailure(t *testing.T) {
	svc, _, _, adapter := testService(t)

	resp, err := svc.SubmitPayment(testCtx(), &SubmitRequest{
		UserID:      "user_1",
		AmountMinor: 10000,
		Currency:    money.USD,
	})
	require.NoError(t, err)

	adapter.statusResult = gateway.Failure("EXPIRED", "authorization expired", nil)
	txn, err := svc.Reconcile(testCtx(), "tenant_1", resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, txn.Status)
	assert.Equal(t, "EXPIRED", txn.ErrorCode)
}

func TestReconcileSkipsNonProcessing(t *testing.T) {
	svc, store, _, adapter := testService(t)
	original := completedPayment(t, svc, store)

	adapter.statusResult = gateway.Failure("X", "x", nil)
	txn, err := svc.Reconcile(testCtx(), "tenant_1", original.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, txn.Status, "terminal transactions are left alone")
}
