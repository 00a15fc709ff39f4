package audit

import (
	"context"

	"paycore/internal/common/database"
)

// PostgresStore persists audit events. Rows are insert-only; there are no
// update or delete paths.
type PostgresStore struct {
	q database.Querier
}

// NewPostgresStore creates a new audit store.
func NewPostgresStore(q database.Querier) *PostgresStore {
	return &PostgresStore{q: q}
}

// Insert writes one audit event.
func (s *PostgresStore) Insert(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO audit_events (
			id, kind, tenant_id, entity_type, entity_id,
			correlation_id, payload, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.q.Exec(ctx, query,
		event.ID, event.Kind, event.TenantID, event.EntityType, event.EntityID,
		nullStr(event.CorrelationID), []byte(event.Payload), event.OccurredAt,
	)
	return err
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
