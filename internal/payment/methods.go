package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"

	"paycore/internal/audit"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/gateway"
	"paycore/internal/payment/domain"
)

// AddMethodRequest tokenizes a funding source with a gateway. Credentials are
// passed through to the gateway and never persisted.
type AddMethodRequest struct {
	UserID      string            `json:"user_id" validate:"required"`
	Scope       string            `json:"scope,omitempty"`
	Kind        domain.MethodKind `json:"kind" validate:"required,oneof=card mobile_money bank_account"`
	GatewayID   string            `json:"gateway_id,omitempty"`
	Currency    money.Currency    `json:"currency" validate:"required,len=3"`
	IsDefault   bool              `json:"is_default"`
	Credentials map[string]string `json:"credentials" validate:"required"`
}

// AddMethod tokenizes the credentials with a gateway and stores the resulting
// masked reference.
func (s *Service) AddMethod(ctx context.Context, req *AddMethodRequest) (*domain.PaymentMethod, error) {
	tenantID := middleware.GetTenantID(ctx)
	if tenantID == "" {
		return nil, errors.New("tenant is required")
	}

	rec, err := s.gateways.Resolve(ctx, tenantID, req.GatewayID, gateway.CapabilityPayments, req.Currency)
	if err != nil {
		return nil, fmt.Errorf("resolving gateway: %w", err)
	}
	adapter, ok := s.registry.Get(rec.Name)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", rec.Name)
	}

	method, err := domain.NewPaymentMethod(ulid.Make().String(), tenantID, req.UserID, req.Scope, rec.ID, rec.Name, req.Kind)
	if err != nil {
		return nil, err
	}
	method.IsDefault = req.IsDefault

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
	defer cancel()

	result, err := adapter.AddPaymentMethod(callCtx, method, req.Credentials)
	if err != nil {
		return nil, fmt.Errorf("tokenizing payment method: %w", err)
	}
	if !result.Succeeded {
		return nil, fmt.Errorf("gateway rejected payment method: %s", result.ErrorMessage)
	}

	method.ExternalID = result.ExternalID
	if label, ok := result.ActionData["display_label"].(string); ok {
		method.DisplayLabel = label
	}
	if last, ok := result.ActionData["last_four"].(string); ok {
		method.LastFour = last
	}

	if err := s.store.CreateMethod(ctx, method); err != nil {
		return nil, fmt.Errorf("persisting payment method: %w", err)
	}
	s.audit.Record(ctx, audit.KindMethodAdded, audit.EntityPaymentMethod, method.ID, method)
	return method, nil
}

// VerifyMethod runs gateway verification and advances the verification status.
func (s *Service) VerifyMethod(ctx context.Context, tenantID, methodID string) (*domain.PaymentMethod, error) {
	method, err := s.store.GetMethod(ctx, tenantID, methodID)
	if err != nil {
		return nil, err
	}
	if method.IsVerified() {
		return method, nil
	}

	adapter, ok := s.registry.Get(method.GatewayName)
	if !ok {
		return nil, fmt.Errorf("gateway %s has no adapter", method.GatewayName)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
	defer cancel()

	result, err := adapter.VerifyPaymentMethod(callCtx, method)
	if err != nil {
		return nil, fmt.Errorf("verifying payment method: %w", err)
	}

	target := domain.VerificationVerified
	if !result.Succeeded {
		target = domain.VerificationFailed
	}
	if method.VerificationStatus == domain.VerificationUnverified {
		if err := method.AdvanceVerification(domain.VerificationPending); err != nil {
			return nil, err
		}
	}
	if err := method.AdvanceVerification(target); err != nil {
		return nil, err
	}
	if err := s.store.UpdateMethod(ctx, method); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.KindMethodVerified, audit.EntityPaymentMethod, method.ID, map[string]any{
		"verification_status": method.VerificationStatus,
	})
	return method, nil
}

// ListMethods lists a user's payment methods.
func (s *Service) ListMethods(ctx context.Context, tenantID, userID string) ([]*domain.PaymentMethod, error) {
	return s.store.ListMethodsByUser(ctx, tenantID, userID)
}

// SetDefaultMethod marks a method as the default for its (user, scope).
func (s *Service) SetDefaultMethod(ctx context.Context, tenantID, methodID string) (*domain.PaymentMethod, error) {
	method, err := s.store.GetMethod(ctx, tenantID, methodID)
	if err != nil {
		return nil, err
	}
	if method.IsDefault {
		return method, nil
	}
	method.IsDefault = true
	if err := s.store.UpdateMethod(ctx, method); err != nil {
		return nil, err
	}
	return method, nil
}

// RemoveMethod detaches the method at the gateway and deletes the local row.
// Gateway detach failures are logged but do not block local removal.
func (s *Service) RemoveMethod(ctx context.Context, tenantID, methodID string) error {
	method, err := s.store.GetMethod(ctx, tenantID, methodID)
	if err != nil {
		return err
	}

	if adapter, ok := s.registry.Get(method.GatewayName); ok && method.ExternalID != "" {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayCallTimeout)
		defer cancel()
		if _, err := adapter.RemovePaymentMethod(callCtx, method); err != nil {
			s.logger.Warn("gateway detach failed, removing locally",
				"method_id", method.ID, "gateway", method.GatewayName, "error", err)
		}
	}

	if err := s.store.DeleteMethod(ctx, tenantID, methodID); err != nil {
		return err
	}
	s.audit.Record(ctx, audit.KindMethodRemoved, audit.EntityPaymentMethod, methodID, map[string]any{
		"gateway": method.GatewayName,
	})
	return nil
}
