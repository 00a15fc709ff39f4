package settlement

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
)

// Store persists settlements and bank accounts.
type Store struct {
	q database.Querier
}

// NewStore creates a new settlement store.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

const settlementColumns = `
	id, tenant_id, user_id, transaction_id, bank_account_id,
	amount_minor, settlement_amount_minor, currency, target_currency,
	estimated_fee_minor, actual_fee_minor,
	recipient_id, quote_id, transfer_id, status, failure_reason,
	created_at, updated_at, processed_at, completed_at, failed_at
`

// Create inserts a settlement. One settlement per transaction; a duplicate
// maps to database.ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, st *Settlement) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`, st.ID, st.TenantID, st.UserID, st.TransactionID, nullStr(st.BankAccountID),
		st.Amount.AmountMinor, st.SettlementAmount.AmountMinor,
		st.Amount.Currency, st.TargetCurrency,
		st.EstimatedFee.AmountMinor, st.ActualFee.AmountMinor,
		nullStr(st.RecipientID), nullStr(st.QuoteID), nullStr(st.TransferID),
		st.Status, nullStr(st.FailureReason),
		st.CreatedAt, st.UpdatedAt, st.ProcessedAt, st.CompletedAt, st.FailedAt)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// Update persists mutable settlement fields.
func (s *Store) Update(ctx context.Context, st *Settlement) error {
	st.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE settlements SET
			bank_account_id = $2, settlement_amount_minor = $3,
			estimated_fee_minor = $4, actual_fee_minor = $5,
			recipient_id = $6, quote_id = $7, transfer_id = $8,
			status = $9, failure_reason = $10,
			updated_at = $11, processed_at = $12, completed_at = $13, failed_at = $14
		WHERE id = $1
	`, st.ID, nullStr(st.BankAccountID), st.SettlementAmount.AmountMinor,
		st.EstimatedFee.AmountMinor, st.ActualFee.AmountMinor,
		nullStr(st.RecipientID), nullStr(st.QuoteID), nullStr(st.TransferID),
		st.Status, nullStr(st.FailureReason),
		st.UpdatedAt, st.ProcessedAt, st.CompletedAt, st.FailedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// Get retrieves a settlement, scoped to a tenant when tenantID is non-empty.
func (s *Store) Get(ctx context.Context, tenantID, id string) (*Settlement, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE id = $1 AND (tenant_id = $2 OR $2 = '')
	`, id, tenantID)
	return scanSettlement(row)
}

// ListPending returns pending settlements at or above the minimum amount,
// optionally limited to one user, oldest first.
func (s *Store) ListPending(ctx context.Context, minMinor int64, userID string) ([]*Settlement, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = $1 AND amount_minor >= $2 AND (user_id = $3 OR $3 = '')
		ORDER BY created_at ASC
	`, StatusPending, minMinor, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

// ListRetryable returns failed settlements whose failure is within the retry
// look-back window.
func (s *Store) ListRetryable(ctx context.Context, userID string) ([]*Settlement, error) {
	cutoff := time.Now().UTC().Add(-RetryLookback)
	rows, err := s.q.Query(ctx, `
		SELECT `+settlementColumns+` FROM settlements
		WHERE status = $1 AND failed_at >= $2 AND (user_id = $3 OR $3 = '')
		ORDER BY failed_at ASC
	`, StatusFailed, cutoff, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSettlements(rows)
}

const accountColumns = `
	id, tenant_id, user_id, holder_name, account_number, iban, bank_code,
	country, currency, verified, recipient_id, last_transfer_at,
	created_at, updated_at
`

// CreateAccount inserts a bank account.
func (s *Store) CreateAccount(ctx context.Context, a *BankAccount) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO bank_accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, a.ID, a.TenantID, a.UserID, a.HolderName,
		nullStr(a.AccountNumber), nullStr(a.IBAN), nullStr(a.BankCode),
		a.Country, a.Currency, a.Verified, nullStr(a.RecipientID),
		a.LastTransferAt, a.CreatedAt, a.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetAccount retrieves a bank account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*BankAccount, error) {
	row := s.q.QueryRow(ctx, `SELECT `+accountColumns+` FROM bank_accounts WHERE id = $1`, id)
	return scanAccount(row)
}

// GetDefaultAccount returns the user's verified account, preferring the most
// recently used.
func (s *Store) GetDefaultAccount(ctx context.Context, tenantID, userID string) (*BankAccount, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM bank_accounts
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY verified DESC, last_transfer_at DESC NULLS LAST, created_at DESC
		LIMIT 1
	`, tenantID, userID)
	return scanAccount(row)
}

// UpdateAccount persists mutable bank account fields.
func (s *Store) UpdateAccount(ctx context.Context, a *BankAccount) error {
	a.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE bank_accounts SET
			verified = $2, recipient_id = $3, last_transfer_at = $4, updated_at = $5
		WHERE id = $1
	`, a.ID, a.Verified, nullStr(a.RecipientID), a.LastTransferAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func scanSettlement(row pgx.Row) (*Settlement, error) {
	var st Settlement
	var bankAccountID, recipientID, quoteID, transferID, failureReason *string
	var currency, target string

	err := row.Scan(
		&st.ID, &st.TenantID, &st.UserID, &st.TransactionID, &bankAccountID,
		&st.Amount.AmountMinor, &st.SettlementAmount.AmountMinor, &currency, &target,
		&st.EstimatedFee.AmountMinor, &st.ActualFee.AmountMinor,
		&recipientID, &quoteID, &transferID, &st.Status, &failureReason,
		&st.CreatedAt, &st.UpdatedAt, &st.ProcessedAt, &st.CompletedAt, &st.FailedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	applySettlementCurrency(&st, currency, target)
	st.BankAccountID = deref(bankAccountID)
	st.RecipientID = deref(recipientID)
	st.QuoteID = deref(quoteID)
	st.TransferID = deref(transferID)
	st.FailureReason = deref(failureReason)
	return &st, nil
}

func collectSettlements(rows pgx.Rows) ([]*Settlement, error) {
	var out []*Settlement
	for rows.Next() {
		var st Settlement
		var bankAccountID, recipientID, quoteID, transferID, failureReason *string
		var currency, target string

		err := rows.Scan(
			&st.ID, &st.TenantID, &st.UserID, &st.TransactionID, &bankAccountID,
			&st.Amount.AmountMinor, &st.SettlementAmount.AmountMinor, &currency, &target,
			&st.EstimatedFee.AmountMinor, &st.ActualFee.AmountMinor,
			&recipientID, &quoteID, &transferID, &st.Status, &failureReason,
			&st.CreatedAt, &st.UpdatedAt, &st.ProcessedAt, &st.CompletedAt, &st.FailedAt,
		)
		if err != nil {
			return nil, err
		}

		applySettlementCurrency(&st, currency, target)
		st.BankAccountID = deref(bankAccountID)
		st.RecipientID = deref(recipientID)
		st.QuoteID = deref(quoteID)
		st.TransferID = deref(transferID)
		st.FailureReason = deref(failureReason)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func applySettlementCurrency(st *Settlement, currency, target string) {
	c := money.Currency(currency)
	st.Amount.Currency = c
	st.SettlementAmount.Currency = c
	st.EstimatedFee.Currency = c
	st.ActualFee.Currency = c
	st.TargetCurrency = money.Currency(target)
}

func scanAccount(row pgx.Row) (*BankAccount, error) {
	var a BankAccount
	var accountNumber, iban, bankCode, recipientID *string

	err := row.Scan(
		&a.ID, &a.TenantID, &a.UserID, &a.HolderName,
		&accountNumber, &iban, &bankCode, &a.Country, &a.Currency,
		&a.Verified, &recipientID, &a.LastTransferAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	a.AccountNumber = deref(accountNumber)
	a.IBAN = deref(iban)
	a.BankCode = deref(bankCode)
	a.RecipientID = deref(recipientID)
	return &a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
