// Package payment orchestrates transaction submission, retry, and querying.
package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
	"paycore/internal/payment/domain"
)

// Store persists transactions and payment methods. It can run over the pool
// or a transaction via database.Querier.
type Store struct {
	q database.Querier
}

// NewStore creates a new payment store.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

// WithQuerier returns a store bound to a different querier, typically a
// transaction begun by the caller.
func (s *Store) WithQuerier(q database.Querier) *Store {
	return &Store{q: q}
}

const txnColumns = `
	id, tenant_id, user_id, reference_number, external_ref,
	gateway_id, gateway_name, payment_method_id, txn_type,
	gross_minor, fee_minor, net_minor, currency, fee_schedule_version,
	status, retry_count, max_retries, description, metadata,
	error_code, error_message, gateway_response, original_transaction_id,
	created_at, updated_at, processed_at, completed_at, expires_at
`

// CreateTransaction inserts a transaction. The reference number carries a
// unique constraint; a duplicate maps to database.ErrAlreadyExists.
func (s *Store) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	query := `
		INSERT INTO transactions (` + txnColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
		        $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28)
	`

	metadata, _ := json.Marshal(t.Metadata)

	_, err := s.q.Exec(ctx, query,
		t.ID, t.TenantID, t.UserID, t.ReferenceNumber, nullStr(t.ExternalRef),
		t.GatewayID, t.GatewayName, nullStr(t.PaymentMethodID), t.Type,
		t.GrossAmount.AmountMinor, t.FeeAmount.AmountMinor, t.NetAmount.AmountMinor,
		t.GrossAmount.Currency, nullStr(t.FeeScheduleVersion),
		t.Status, t.RetryCount, t.MaxRetries, nullStr(t.Description), metadata,
		nullStr(t.ErrorCode), nullStr(t.ErrorMessage), rawOrNull(t.GatewayResponse),
		nullStr(t.OriginalTransactionID),
		t.CreatedAt, t.UpdatedAt, t.ProcessedAt, t.CompletedAt, t.ExpiresAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// UpdateTransaction persists mutable transaction fields.
func (s *Store) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	query := `
		UPDATE transactions SET
			external_ref = $2, status = $3, retry_count = $4,
			error_code = $5, error_message = $6, gateway_response = $7,
			updated_at = $8, processed_at = $9, completed_at = $10, expires_at = $11
		WHERE id = $1
	`

	t.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, query,
		t.ID, nullStr(t.ExternalRef), t.Status, t.RetryCount,
		nullStr(t.ErrorCode), nullStr(t.ErrorMessage), rawOrNull(t.GatewayResponse),
		t.UpdatedAt, t.ProcessedAt, t.CompletedAt, t.ExpiresAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// GetTransaction retrieves a transaction by id, scoped to a tenant when
// tenantID is non-empty.
func (s *Store) GetTransaction(ctx context.Context, tenantID, id string) (*domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE id = $1 AND (tenant_id = $2 OR $2 = '')`
	return s.scanTransaction(s.q.QueryRow(ctx, query, id, tenantID))
}

// GetByReferenceNumber retrieves a transaction by its platform reference.
func (s *Store) GetByReferenceNumber(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE reference_number = $1`
	return s.scanTransaction(s.q.QueryRow(ctx, query, reference))
}

// GetByExternalRef retrieves a transaction by the gateway-scoped external id.
func (s *Store) GetByExternalRef(ctx context.Context, gatewayName, externalRef string) (*domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE gateway_name = $1 AND external_ref = $2`
	return s.scanTransaction(s.q.QueryRow(ctx, query, gatewayName, externalRef))
}

// ListByUser lists a user's transactions, newest first.
func (s *Store) ListByUser(ctx context.Context, tenantID, userID string, limit, offset int) ([]*domain.Transaction, error) {
	query := `
		SELECT ` + txnColumns + ` FROM transactions
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := s.q.Query(ctx, query, tenantID, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectTransactions(rows)
}

// SumRefundedMinor returns the total refunded amount against an original
// transaction, excluding failed refunds.
func (s *Store) SumRefundedMinor(ctx context.Context, originalID string) (int64, error) {
	var total int64
	err := s.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(gross_minor), 0) FROM transactions
		WHERE original_transaction_id = $1 AND txn_type = 'refund' AND status <> 'failed'
	`, originalID).Scan(&total)
	return total, err
}

// CompleteByExternalID moves the correlated transaction to completed. The
// update is idempotent: an already-completed transaction is matched and
// returned without re-mutation, so webhook effects can be re-applied after a
// crash.
func (s *Store) CompleteByExternalID(ctx context.Context, gatewayName, externalID string, raw []byte) (string, error) {
	var id string
	err := s.q.QueryRow(ctx, `
		UPDATE transactions SET
			status = 'completed', gateway_response = $3,
			completed_at = $4, updated_at = $4
		WHERE gateway_name = $1 AND external_ref = $2
		  AND status IN ('processing', 'requires_action')
		RETURNING id
	`, gatewayName, externalID, raw, time.Now().UTC()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", err
	}

	// No transition applied: either already completed (fine) or unknown.
	err = s.q.QueryRow(ctx, `
		SELECT id FROM transactions
		WHERE gateway_name = $1 AND external_ref = $2 AND status = 'completed'
	`, gatewayName, externalID).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", database.ErrNotFound
	}
	return id, err
}

// FailByExternalID moves the correlated transaction to failed, idempotently.
func (s *Store) FailByExternalID(ctx context.Context, gatewayName, externalID, code, message string, raw []byte) (string, error) {
	var id string
	err := s.q.QueryRow(ctx, `
		UPDATE transactions SET
			status = 'failed', error_code = $3, error_message = $4,
			gateway_response = $5, updated_at = $6
		WHERE gateway_name = $1 AND external_ref = $2
		  AND status IN ('pending', 'processing', 'requires_action')
		RETURNING id
	`, gatewayName, externalID, code, message, raw, time.Now().UTC()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != pgx.ErrNoRows {
		return "", err
	}

	err = s.q.QueryRow(ctx, `
		SELECT id FROM transactions
		WHERE gateway_name = $1 AND external_ref = $2 AND status = 'failed'
	`, gatewayName, externalID).Scan(&id)
	if err == pgx.ErrNoRows {
		return "", database.ErrNotFound
	}
	return id, err
}

func (s *Store) scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var externalRef, methodID, feeVersion, description *string
	var errorCode, errorMsg, originalID *string
	var metadata, response []byte
	var currency string

	err := row.Scan(
		&t.ID, &t.TenantID, &t.UserID, &t.ReferenceNumber, &externalRef,
		&t.GatewayID, &t.GatewayName, &methodID, &t.Type,
		&t.GrossAmount.AmountMinor, &t.FeeAmount.AmountMinor, &t.NetAmount.AmountMinor,
		&currency, &feeVersion,
		&t.Status, &t.RetryCount, &t.MaxRetries, &description, &metadata,
		&errorCode, &errorMsg, &response, &originalID,
		&t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt, &t.CompletedAt, &t.ExpiresAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	applyCurrency(&t, currency)
	t.ExternalRef = deref(externalRef)
	t.PaymentMethodID = deref(methodID)
	t.FeeScheduleVersion = deref(feeVersion)
	t.Description = deref(description)
	t.ErrorCode = deref(errorCode)
	t.ErrorMessage = deref(errorMsg)
	t.OriginalTransactionID = deref(originalID)
	t.GatewayResponse = response
	json.Unmarshal(metadata, &t.Metadata)

	return &t, nil
}

func (s *Store) collectTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	for rows.Next() {
		var t domain.Transaction
		var externalRef, methodID, feeVersion, description *string
		var errorCode, errorMsg, originalID *string
		var metadata, response []byte
		var currency string

		err := rows.Scan(
			&t.ID, &t.TenantID, &t.UserID, &t.ReferenceNumber, &externalRef,
			&t.GatewayID, &t.GatewayName, &methodID, &t.Type,
			&t.GrossAmount.AmountMinor, &t.FeeAmount.AmountMinor, &t.NetAmount.AmountMinor,
			&currency, &feeVersion,
			&t.Status, &t.RetryCount, &t.MaxRetries, &description, &metadata,
			&errorCode, &errorMsg, &response, &originalID,
			&t.CreatedAt, &t.UpdatedAt, &t.ProcessedAt, &t.CompletedAt, &t.ExpiresAt,
		)
		if err != nil {
			return nil, err
		}

		applyCurrency(&t, currency)
		t.ExternalRef = deref(externalRef)
		t.PaymentMethodID = deref(methodID)
		t.FeeScheduleVersion = deref(feeVersion)
		t.Description = deref(description)
		t.ErrorCode = deref(errorCode)
		t.ErrorMessage = deref(errorMsg)
		t.OriginalTransactionID = deref(originalID)
		t.GatewayResponse = response
		json.Unmarshal(metadata, &t.Metadata)

		txns = append(txns, &t)
	}
	return txns, rows.Err()
}

func applyCurrency(t *domain.Transaction, currency string) {
	c := money.Currency(currency)
	t.GrossAmount.Currency = c
	t.FeeAmount.Currency = c
	t.NetAmount.Currency = c
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

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
