package domain

import (
	"errors"
	"fmt"
	"time"
)

// MethodKind classifies a payment method.
type MethodKind string

const (
	MethodCard        MethodKind = "card"
	MethodMobileMoney MethodKind = "mobile_money"
	MethodBankAccount MethodKind = "bank_account"
)

// VerificationStatus moves monotonically:
// unverified -> pending -> verified | failed.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationPending    VerificationStatus = "pending"
	VerificationVerified   VerificationStatus = "verified"
	VerificationFailed     VerificationStatus = "failed"
)

var verificationRank = map[VerificationStatus]int{
	VerificationUnverified: 0,
	VerificationPending:    1,
	VerificationVerified:   2,
	VerificationFailed:     2,
}

// PaymentMethod is a tokenized reference to a funding source. Only masked
// display data lives here; the secret material is held by the gateway and
// referenced through ExternalID.
type PaymentMethod struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	// Scope optionally narrows the method to one merchant/employee entity.
	Scope string `json:"scope,omitempty"`

	GatewayID   string     `json:"gateway_id"`
	GatewayName string     `json:"gateway_name"`
	ExternalID  string     `json:"external_id"`
	Kind        MethodKind `json:"kind"`

	DisplayLabel string `json:"display_label,omitempty"`
	LastFour     string `json:"last_four,omitempty"`

	IsDefault          bool               `json:"is_default"`
	VerificationStatus VerificationStatus `json:"verification_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPaymentMethod creates an unverified payment method.
func NewPaymentMethod(id, tenantID, userID, scope, gatewayID, gatewayName string, kind MethodKind) (*PaymentMethod, error) {
	if id == "" || tenantID == "" || userID == "" {
		return nil, errors.New("id, tenant_id and user_id are required")
	}
	if gatewayID == "" {
		return nil, errors.New("gateway_id is required")
	}

	now := time.Now().UTC()
	return &PaymentMethod{
		ID:                 id,
		TenantID:           tenantID,
		UserID:             userID,
		Scope:              scope,
		GatewayID:          gatewayID,
		GatewayName:        gatewayName,
		Kind:               kind,
		VerificationStatus: VerificationUnverified,
		CreatedAt:          now,
		UpdatedAt:          now,
	}, nil
}

// AdvanceVerification moves the verification status forward. Moving backward
// or past a terminal status is rejected.
func (m *PaymentMethod) AdvanceVerification(to VerificationStatus) error {
	fromRank, ok := verificationRank[m.VerificationStatus]
	if !ok {
		return fmt.Errorf("unknown verification status %q", m.VerificationStatus)
	}
	toRank, ok := verificationRank[to]
	if !ok {
		return fmt.Errorf("unknown verification status %q", to)
	}
	if m.VerificationStatus == VerificationVerified || m.VerificationStatus == VerificationFailed {
		return fmt.Errorf("verification already terminal: %s", m.VerificationStatus)
	}
	if toRank <= fromRank {
		return fmt.Errorf("verification cannot move from %s to %s", m.VerificationStatus, to)
	}
	m.VerificationStatus = to
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// IsVerified reports whether the method may be charged.
func (m *PaymentMethod) IsVerified() bool {
	return m.VerificationStatus == VerificationVerified
}
