package payment

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/payment/domain"
)

const methodColumns = `
	id, tenant_id, user_id, scope, gateway_id, gateway_name, external_id,
	kind, display_label, last_four, is_default, verification_status,
	created_at, updated_at
`

// CreateMethod inserts a payment method. When the method is marked default,
// any previous default for the same (user, scope) is cleared first; a partial
// unique index backs the at-most-one-default invariant.
func (s *Store) CreateMethod(ctx context.Context, m *domain.PaymentMethod) error {
	if m.IsDefault {
		if err := s.clearDefault(ctx, m.TenantID, m.UserID, m.Scope); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO payment_methods (` + methodColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.q.Exec(ctx, query,
		m.ID, m.TenantID, m.UserID, nullStr(m.Scope), m.GatewayID, m.GatewayName,
		nullStr(m.ExternalID), m.Kind, nullStr(m.DisplayLabel), nullStr(m.LastFour),
		m.IsDefault, m.VerificationStatus, m.CreatedAt, m.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetMethod retrieves a payment method by id.
func (s *Store) GetMethod(ctx context.Context, tenantID, id string) (*domain.PaymentMethod, error) {
	query := `SELECT ` + methodColumns + ` FROM payment_methods WHERE id = $1 AND (tenant_id = $2 OR $2 = '')`
	return s.scanMethod(s.q.QueryRow(ctx, query, id, tenantID))
}

// ListMethodsByUser lists a user's payment methods.
func (s *Store) ListMethodsByUser(ctx context.Context, tenantID, userID string) ([]*domain.PaymentMethod, error) {
	query := `
		SELECT ` + methodColumns + ` FROM payment_methods
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY is_default DESC, created_at DESC
	`
	rows, err := s.q.Query(ctx, query, tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var methods []*domain.PaymentMethod
	for rows.Next() {
		m, err := s.scanMethodFromRows(rows)
		if err != nil {
			return nil, err
		}
		methods = append(methods, m)
	}
	return methods, rows.Err()
}

// UpdateMethod persists mutable payment method fields.
func (s *Store) UpdateMethod(ctx context.Context, m *domain.PaymentMethod) error {
	if m.IsDefault {
		if err := s.clearDefault(ctx, m.TenantID, m.UserID, m.Scope); err != nil {
			return err
		}
	}

	m.UpdatedAt = time.Now().UTC()

	tag, err := s.q.Exec(ctx, `
		UPDATE payment_methods SET
			external_id = $2, display_label = $3, last_four = $4,
			is_default = $5, verification_status = $6, updated_at = $7
		WHERE id = $1
	`, m.ID, nullStr(m.ExternalID), nullStr(m.DisplayLabel), nullStr(m.LastFour),
		m.IsDefault, m.VerificationStatus, m.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// DeleteMethod removes a payment method.
func (s *Store) DeleteMethod(ctx context.Context, tenantID, id string) error {
	tag, err := s.q.Exec(ctx,
		`DELETE FROM payment_methods WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *Store) clearDefault(ctx context.Context, tenantID, userID, scope string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE payment_methods SET is_default = false, updated_at = $4
		WHERE tenant_id = $1 AND user_id = $2 AND COALESCE(scope, '') = $3 AND is_default
	`, tenantID, userID, scope, time.Now().UTC())
	return err
}

func (s *Store) scanMethod(row pgx.Row) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	var scope, externalID, label, lastFour *string

	err := row.Scan(
		&m.ID, &m.TenantID, &m.UserID, &scope, &m.GatewayID, &m.GatewayName,
		&externalID, &m.Kind, &label, &lastFour, &m.IsDefault, &m.VerificationStatus,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	m.Scope = deref(scope)
	m.ExternalID = deref(externalID)
	m.DisplayLabel = deref(label)
	m.LastFour = deref(lastFour)
	return &m, nil
}

func (s *Store) scanMethodFromRows(rows pgx.Rows) (*domain.PaymentMethod, error) {
	var m domain.PaymentMethod
	var scope, externalID, label, lastFour *string

	err := rows.Scan(
		&m.ID, &m.TenantID, &m.UserID, &scope, &m.GatewayID, &m.GatewayName,
		&externalID, &m.Kind, &label, &lastFour, &m.IsDefault, &m.VerificationStatus,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Scope = deref(scope)
	m.ExternalID = deref(externalID)
	m.DisplayLabel = deref(label)
	m.LastFour = deref(lastFour)
	return &m, nil
}
