package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"paycore/internal/audit"
	"paycore/internal/common/database"
	"paycore/internal/common/middleware"
	"paycore/internal/common/money"
	"paycore/internal/payment/domain"
)

// Service manages settlement lifecycle outside of batch runs.
type Service struct {
	store  SettlementStore
	audit  audit.Recorder
	logger *slog.Logger
}

// NewService creates a new settlement service.
func NewService(store SettlementStore, recorder audit.Recorder, logger *slog.Logger) *Service {
	return &Service{store: store, audit: recorder, logger: logger}
}

// CreateForTransaction accrues a settlement for a completed payment. The
// settlement carries the transaction's net amount; creation is idempotent per
// transaction via the unique constraint.
func (s *Service) CreateForTransaction(ctx context.Context, txn *domain.Transaction) (*Settlement, error) {
	if txn.Status != domain.StatusCompleted {
		return nil, fmt.Errorf("cannot settle %s transaction", txn.Status)
	}
	if txn.Type != domain.TypePayment {
		return nil, errors.New("only payments accrue settlements")
	}

	st, err := NewSettlement(ulid.Make().String(), txn.TenantID, txn.UserID, txn.ID, "", txn.NetAmount, txn.NetAmount.Currency)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, st); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("persisting settlement: %w", err)
	}
	s.audit.Record(ctx, audit.KindSettlementCreated, audit.EntitySettlement, st.ID, st)
	s.logger.Info("settlement accrued",
		"settlement_id", st.ID,
		"transaction_id", txn.ID,
		"user_id", txn.UserID,
		"amount_minor", st.Amount.AmountMinor,
		"currency", st.Amount.Currency,
	)
	return st, nil
}

// Get returns a settlement scoped to the tenant.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*Settlement, error) {
	return s.store.Get(ctx, tenantID, id)
}

// Cancel withdraws a pending settlement.
func (s *Service) Cancel(ctx context.Context, tenantID, id string) (*Settlement, error) {
	st, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if err := st.Cancel(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, st); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, audit.KindSettlementCancelled, audit.EntitySettlement, st.ID, st)
	return st, nil
}

// AddBankAccountRequest registers a payout destination.
type AddBankAccountRequest struct {
	UserID        string         `json:"user_id" validate:"required"`
	HolderName    string         `json:"holder_name" validate:"required"`
	AccountNumber string         `json:"account_number,omitempty"`
	IBAN          string         `json:"iban,omitempty"`
	BankCode      string         `json:"bank_code,omitempty"`
	Country       string         `json:"country" validate:"required,len=2"`
	Currency      money.Currency `json:"currency" validate:"required,len=3"`
}

// AddBankAccount registers a payout destination. Accounts start unverified
// and are skipped by the batch until verified.
func (s *Service) AddBankAccount(ctx context.Context, req *AddBankAccountRequest) (*BankAccount, error) {
	tenantID := middleware.GetTenantID(ctx)
	if tenantID == "" {
		return nil, errors.New("tenant is required")
	}
	if req.AccountNumber == "" && req.IBAN == "" {
		return nil, errors.New("account_number or iban is required")
	}
	if !money.IsSupported(req.Currency) {
		return nil, fmt.Errorf("unsupported currency: %s", req.Currency)
	}

	now := time.Now().UTC()
	account := &BankAccount{
		ID:            ulid.Make().String(),
		TenantID:      tenantID,
		UserID:        req.UserID,
		HolderName:    req.HolderName,
		AccountNumber: req.AccountNumber,
		IBAN:          req.IBAN,
		BankCode:      req.BankCode,
		Country:       req.Country,
		Currency:      req.Currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("persisting bank account: %w", err)
	}
	return account, nil
}

// VerifyBankAccount marks an account as verified. Verification itself happens
// out of band (document review, micro-deposits); this records the outcome.
func (s *Service) VerifyBankAccount(ctx context.Context, tenantID, id string) (*BankAccount, error) {
	account, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if tenantID != "" && account.TenantID != tenantID {
		return nil, database.ErrNotFound
	}
	if account.Verified {
		return account, nil
	}
	account.Verified = true
	if err := s.store.UpdateAccount(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}
