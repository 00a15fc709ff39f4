package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMethod(t *testing.T) *PaymentMethod {
	t.Helper()
	m, err := NewPaymentMethod("pm_1", "tenant_1", "user_1", "", "gw_1", "cardnet", MethodCard)
	require.NoError(t, err)
	return m
}

func TestNewPaymentMethod(t *testing.T) {
	m := newTestMethod(t)
	assert.Equal(t, VerificationUnverified, m.VerificationStatus)
	assert.False(t, m.IsVerified())

	_, err := NewPaymentMethod("", "tenant_1", "user_1", "", "gw_1", "cardnet", MethodCard)
	assert.Error(t, err)

	_, err = NewPaymentMethod("pm_1", "tenant_1", "user_1", "", "", "cardnet", MethodCard)
	assert.Error(t, err, "gateway is required")
}

func TestAdvanceVerification(t *testing.T) {
	m := newTestMethod(t)

	require.NoError(t, m.AdvanceVerification(VerificationPending))
	require.NoError(t, m.AdvanceVerification(VerificationVerified))
	assert.True(t, m.IsVerified())

	// Verified is terminal.
	assert.Error(t, m.AdvanceVerification(VerificationFailed))
	assert.Error(t, m.AdvanceVerification(VerificationPending))
}

func TestAdvanceVerificationSkipsPending(t *testing.T) {
	// unverified -> verified directly, for gateways that verify synchronously.
	m := newTestMethod(t)
	require.NoError(t, m.AdvanceVerification(VerificationVerified))
	assert.True(t, m.IsVerified())
}

func TestAdvanceVerificationFailedIsTerminal(t *testing.T) {
	m := newTestMethod(t)
	require.NoError(t, m.AdvanceVerification(VerificationPending))
	require.NoError(t, m.AdvanceVerification(VerificationFailed))
	assert.False(t, m.IsVerified())

	assert.Error(t, m.AdvanceVerification(VerificationVerified))
}

func TestAdvanceVerificationRejectsBackward(t *testing.T) {
	m := newTestMethod(t)
	require.NoError(t, m.AdvanceVerification(VerificationPending))
	assert.Error(t, m.AdvanceVerification(VerificationUnverified))
	assert.Error(t, m.AdvanceVerification(VerificationPending), "no self-transition")
}
