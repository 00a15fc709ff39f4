package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paycore/internal/common/money"
)

func newTestTransaction(t *testing.T) *Transaction {
	t.Helper()
	txn, err := NewTransaction(
		"txn_1", "tenant_1", "user_1", "TXN-01ABC", "gw_1", "cardnet",
		TypePayment, money.New(10000, money.USD), money.New(320, money.USD),
	)
	require.NoError(t, err)
	return txn
}

func TestNewTransaction(t *testing.T) {
	txn := newTestTransaction(t)

	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, int64(9680), txn.NetAmount.AmountMinor, "net is derived from gross minus fee")
	assert.Equal(t, DefaultMaxRetries, txn.MaxRetries)
	assert.Zero(t, txn.RetryCount)
}

func TestNewTransactionValidation(t *testing.T) {
	gross := money.New(10000, money.USD)
	fee := money.New(320, money.USD)

	_, err := NewTransaction("", "tenant_1", "user_1", "TXN-1", "gw_1", "cardnet", TypePayment, gross, fee)
	assert.Error(t, err, "id is required")

	_, err = NewTransaction("txn_1", "", "user_1", "TXN-1", "gw_1", "cardnet", TypePayment, gross, fee)
	assert.Error(t, err, "tenant is required")

	_, err = NewTransaction("txn_1", "tenant_1", "user_1", "TXN-1", "gw_1", "cardnet", TypePayment, money.New(0, money.USD), fee)
	assert.Error(t, err, "gross must be positive")

	_, err = NewTransaction("txn_1", "tenant_1", "user_1", "TXN-1", "gw_1", "cardnet", TypePayment, gross, money.New(320, money.EUR))
	assert.Error(t, err, "fee currency must match gross")

	_, err = NewTransaction("txn_1", "tenant_1", "user_1", "TXN-1", "gw_1", "cardnet", TypePayment, gross, money.New(10001, money.USD))
	assert.Error(t, err, "fee cannot exceed gross")
}

func TestTransactionLifecycle(t *testing.T) {
	txn := newTestTransaction(t)

	require.NoError(t, txn.MarkProcessing("ch_123", nil))
	assert.Equal(t, StatusProcessing, txn.Status)
	assert.Equal(t, "ch_123", txn.ExternalRef)
	require.NotNil(t, txn.ProcessedAt)

	require.NoError(t, txn.MarkCompleted(nil))
	assert.Equal(t, StatusCompleted, txn.Status)
	require.NotNil(t, txn.CompletedAt)
}

func TestMarkProcessingRejectsTerminal(t *testing.T) {
	txn := newTestTransaction(t)
	require.NoError(t, txn.MarkFailed("CARD_DECLINED", "declined", nil))
	assert.Error(t, txn.MarkProcessing("ch_123", nil))
}

func TestRequiresActionPath(t *testing.T) {
	txn := newTestTransaction(t)

	require.NoError(t, txn.MarkRequiresAction("ch_123", nil))
	assert.Equal(t, StatusRequiresAction, txn.Status)

	// Challenge completed: requires_action moves forward to processing.
	require.NoError(t, txn.MarkProcessing("ch_123", nil))
	assert.Equal(t, StatusProcessing, txn.Status)

	// requires_action may also complete directly off a webhook.
	txn2 := newTestTransaction(t)
	require.NoError(t, txn2.MarkRequiresAction("ch_456", nil))
	require.NoError(t, txn2.MarkCompleted(nil))
}

func TestMarkCompletedIdempotent(t *testing.T) {
	txn := newTestTransaction(t)
	require.NoError(t, txn.MarkProcessing("ch_123", nil))
	require.NoError(t, txn.MarkCompleted(nil))

	firstCompletedAt := *txn.CompletedAt
	require.NoError(t, txn.MarkCompleted(nil), "re-applying a completion webhook is a no-op")
	assert.Equal(t, firstCompletedAt, *txn.CompletedAt)
}

func TestMarkCompletedRejectsPending(t *testing.T) {
	txn := newTestTransaction(t)
	assert.Error(t, txn.MarkCompleted(nil), "pending transaction has not been dispatched")
}

func TestMarkFailed(t *testing.T) {
	txn := newTestTransaction(t)
	require.NoError(t, txn.MarkProcessing("ch_123", nil))

	require.NoError(t, txn.MarkFailed("CARD_DECLINED", "insufficient funds", nil))
	assert.Equal(t, StatusFailed, txn.Status)
	assert.Equal(t, "CARD_DECLINED", txn.ErrorCode)

	require.NoError(t, txn.MarkFailed("OTHER", "other", nil), "failing a failed transaction is a no-op")
	assert.Equal(t, "CARD_DECLINED", txn.ErrorCode, "first failure wins")
}

func TestMarkFailedRejectsCompleted(t *testing.T) {
	txn := newTestTransaction(t)
	require.NoError(t, txn.MarkProcessing("ch_123", nil))
	require.NoError(t, txn.MarkCompleted(nil))
	assert.Error(t, txn.MarkFailed("X", "x", nil))
}

func TestCanBeRetried(t *testing.T) {
	now := time.Now().UTC()

	txn := newTestTransaction(t)
	assert.False(t, txn.CanBeRetried(now), "pending transaction is not retryable")

	require.NoError(t, txn.MarkFailed("GATEWAY_ERROR", "timeout", nil))
	assert.True(t, txn.CanBeRetried(now))

	txn.RetryCount = txn.MaxRetries
	assert.False(t, txn.CanBeRetried(now), "retry budget exhausted")

	txn.RetryCount = 0
	expired := now.Add(-time.Hour)
	txn.ExpiresAt = &expired
	assert.False(t, txn.CanBeRetried(now), "expired transaction is not retryable")
}

func TestPrepareRetry(t *testing.T) {
	now := time.Now().UTC()
	txn := newTestTransaction(t)
	require.NoError(t, txn.MarkFailed("GATEWAY_ERROR", "timeout", nil))

	reference := txn.ReferenceNumber
	require.NoError(t, txn.PrepareRetry(now))
	assert.Equal(t, StatusPending, txn.Status)
	assert.Equal(t, 1, txn.RetryCount)
	assert.Empty(t, txn.ErrorCode)
	assert.Equal(t, reference, txn.ReferenceNumber, "retry reuses the original reference number")

	// Exhaust the budget.
	for txn.RetryCount < txn.MaxRetries {
		require.NoError(t, txn.MarkFailed("GATEWAY_ERROR", "timeout", nil))
		require.NoError(t, txn.PrepareRetry(now))
	}
	require.NoError(t, txn.MarkFailed("GATEWAY_ERROR", "timeout", nil))
	assert.Error(t, txn.PrepareRetry(now))
}

func TestIsTerminal(t *testing.T) {
	now := time.Now().UTC()

	txn := newTestTransaction(t)
	assert.False(t, txn.IsTerminal(now))

	require.NoError(t, txn.MarkFailed("GATEWAY_ERROR", "timeout", nil))
	assert.False(t, txn.IsTerminal(now), "failed but retryable is not terminal")

	txn.RetryCount = txn.MaxRetries
	assert.True(t, txn.IsTerminal(now))
}
