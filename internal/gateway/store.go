package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
	"paycore/internal/common/money"
)

// Store persists gateway records and tenant gateway preferences.
type Store struct {
	q database.Querier
}

// NewStore creates a new gateway store.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

const recordColumns = `
	id, name, display_name,
	supports_payments, supports_payouts, supports_refunds, supports_recurring, supports_webhooks,
	currencies, countries, fee_schedule,
	priority, active, success_count, failure_count, expiry_window_seconds,
	created_at, updated_at
`

// Create inserts a gateway record.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO gateways (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	currencies, _ := json.Marshal(rec.Currencies)
	countries, _ := json.Marshal(rec.Countries)
	feeSchedule, _ := json.Marshal(rec.FeeSchedule)

	_, err := s.q.Exec(ctx, query,
		rec.ID, rec.Name, rec.DisplayName,
		rec.SupportsPayments, rec.SupportsPayouts, rec.SupportsRefunds, rec.SupportsRecurring, rec.SupportsWebhooks,
		currencies, countries, feeSchedule,
		rec.Priority, rec.Active, rec.SuccessCount, rec.FailureCount, int64(rec.ExpiryWindow.Seconds()),
		rec.CreatedAt, rec.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetByName retrieves a gateway record by name.
func (s *Store) GetByName(ctx context.Context, name string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM gateways WHERE name = $1`
	return s.scanRecord(s.q.QueryRow(ctx, query, name))
}

// GetByID retrieves a gateway record by id.
func (s *Store) GetByID(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM gateways WHERE id = $1`
	return s.scanRecord(s.q.QueryRow(ctx, query, id))
}

// ListActive lists active gateway records ordered by priority (highest first).
func (s *Store) ListActive(ctx context.Context) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM gateways WHERE active ORDER BY priority DESC, name ASC`
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectRecords(rows)
}

// ListAll lists every gateway record. Exposed read-only to the configuration
// UI collaborator.
func (s *Store) ListAll(ctx context.Context) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM gateways ORDER BY priority DESC, name ASC`
	rows, err := s.q.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectRecords(rows)
}

// SetActive flips the active flag. The only mutable part of a record besides
// health counters once it is referenced by transactions.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE gateways SET active = $2, updated_at = $3 WHERE id = $1`,
		id, active, time.Now().UTC(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// RecordOutcome updates health telemetry after an orchestrated call.
func (s *Store) RecordOutcome(ctx context.Context, id string, success bool) error {
	column := "failure_count"
	if success {
		column = "success_count"
	}
	_, err := s.q.Exec(ctx,
		`UPDATE gateways SET `+column+` = `+column+` + 1, updated_at = $2 WHERE id = $1`,
		id, time.Now().UTC(),
	)
	return err
}

// GetTenantDefault returns the tenant's configured default gateway, or
// database.ErrNotFound when the tenant has none.
func (s *Store) GetTenantDefault(ctx context.Context, tenantID string) (*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM gateways g
		JOIN tenant_gateways tg ON tg.gateway_id = g.id
		WHERE tg.tenant_id = $1
	`
	return s.scanRecord(s.q.QueryRow(ctx, query, tenantID))
}

// SetTenantDefault sets the tenant's default gateway.
func (s *Store) SetTenantDefault(ctx context.Context, tenantID, gatewayID string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO tenant_gateways (tenant_id, gateway_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO UPDATE SET gateway_id = $2, updated_at = $3
	`, tenantID, gatewayID, time.Now().UTC())
	return err
}

// Resolve applies the selection policy: a pinned gateway wins, then the
// tenant default, then the highest-priority active gateway matching the
// required capability and currency.
func (s *Store) Resolve(ctx context.Context, tenantID, pinnedID string, capability Capability, currency money.Currency) (*Record, error) {
	if pinnedID != "" {
		rec, err := s.GetByID(ctx, pinnedID)
		if err != nil {
			return nil, fmt.Errorf("pinned gateway: %w", err)
		}
		if !rec.Active {
			return nil, fmt.Errorf("pinned gateway %s is not active", rec.Name)
		}
		return rec, nil
	}

	if rec, err := s.GetTenantDefault(ctx, tenantID); err == nil {
		if rec.Active && rec.Supports(capability) && rec.SupportsCurrency(currency) {
			return rec, nil
		}
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	active, err := s.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range active {
		if rec.Supports(capability) && rec.SupportsCurrency(currency) {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("no active gateway supports %s in %s: %w", capability, currency, database.ErrNotFound)
}

func (s *Store) scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	var currencies, countries, feeSchedule []byte
	var expiry int64

	err := row.Scan(
		&rec.ID, &rec.Name, &rec.DisplayName,
		&rec.SupportsPayments, &rec.SupportsPayouts, &rec.SupportsRefunds, &rec.SupportsRecurring, &rec.SupportsWebhooks,
		&currencies, &countries, &feeSchedule,
		&rec.Priority, &rec.Active, &rec.SuccessCount, &rec.FailureCount, &expiry,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}

	json.Unmarshal(currencies, &rec.Currencies)
	json.Unmarshal(countries, &rec.Countries)
	json.Unmarshal(feeSchedule, &rec.FeeSchedule)
	rec.ExpiryWindow = time.Duration(expiry) * time.Second

	return &rec, nil
}

func (s *Store) collectRecords(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		var rec Record
		var currencies, countries, feeSchedule []byte
		var expiry int64

		err := rows.Scan(
			&rec.ID, &rec.Name, &rec.DisplayName,
			&rec.SupportsPayments, &rec.SupportsPayouts, &rec.SupportsRefunds, &rec.SupportsRecurring, &rec.SupportsWebhooks,
			&currencies, &countries, &feeSchedule,
			&rec.Priority, &rec.Active, &rec.SuccessCount, &rec.FailureCount, &expiry,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		json.Unmarshal(currencies, &rec.Currencies)
		json.Unmarshal(countries, &rec.Countries)
		json.Unmarshal(feeSchedule, &rec.FeeSchedule)
		rec.ExpiryWindow = time.Duration(expiry) * time.Second

		records = append(records, &rec)
	}
	return records, rows.Err()
}
