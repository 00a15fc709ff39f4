package webhook

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
)

// Store persists webhook events.
type Store struct {
	q database.Querier
}

// NewStore creates a new webhook store.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

const eventColumns = `
	id, gateway_name, event_id, event_type, payload, status,
	processing_attempts, last_error, transaction_id, received_at, processed_at
`

// Insert records an inbound event. The (gateway_name, event_id) unique
// constraint makes insertion the idempotency point: when a concurrent or
// repeated delivery loses the race, Insert reports database.ErrAlreadyExists
// and the winner's row stands.
func (s *Store) Insert(ctx context.Context, e *Event) error {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO webhook_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (gateway_name, event_id) DO NOTHING
	`, e.ID, e.GatewayName, e.EventID, e.EventType, e.Payload, e.Status,
		e.ProcessingAttempts, nullStr(e.LastError), nullStr(e.TransactionID),
		e.ReceivedAt, e.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return database.ErrAlreadyExists
	}
	return nil
}

// Get retrieves an event by gateway and provider event id.
func (s *Store) Get(ctx context.Context, gatewayName, eventID string) (*Event, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE gateway_name = $1 AND event_id = $2
	`, gatewayName, eventID)
	return scanEvent(row)
}

// MarkProcessed finalizes an event after its business effect was applied.
func (s *Store) MarkProcessed(ctx context.Context, id, transactionID string) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx, `
		UPDATE webhook_events SET
			status = $2, transaction_id = $3, processed_at = $4,
			processing_attempts = processing_attempts + 1, last_error = NULL
		WHERE id = $1
	`, id, StatusProcessed, nullStr(transactionID), now)
	return err
}

// MarkSkipped finalizes an event whose type carries no business effect.
func (s *Store) MarkSkipped(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.q.Exec(ctx, `
		UPDATE webhook_events SET status = $2, processed_at = $3,
			processing_attempts = processing_attempts + 1
		WHERE id = $1
	`, id, StatusSkipped, now)
	return err
}

// MarkFailed records a processing failure, keeping the event eligible for the
// replay sweep until it exhausts its attempts.
func (s *Store) MarkFailed(ctx context.Context, id, lastError string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE webhook_events SET
			status = $2, last_error = $3,
			processing_attempts = processing_attempts + 1
		WHERE id = $1
	`, id, StatusFailed, lastError)
	return err
}

// ListReplayable returns failed events still under the attempt bound, oldest
// first.
func (s *Store) ListReplayable(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+eventColumns+` FROM webhook_events
		WHERE status = $1 AND processing_attempts < $2
		ORDER BY received_at ASC
		LIMIT $3
	`, StatusFailed, MaxProcessingAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var lastError, txnID *string

	err := row.Scan(
		&e.ID, &e.GatewayName, &e.EventID, &e.EventType, &e.Payload, &e.Status,
		&e.ProcessingAttempts, &lastError, &txnID, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	e.LastError = deref(lastError)
	e.TransactionID = deref(txnID)
	return &e, nil
}

func scanEventRows(rows pgx.Rows) (*Event, error) {
	var e Event
	var lastError, txnID *string

	err := rows.Scan(
		&e.ID, &e.GatewayName, &e.EventID, &e.EventType, &e.Payload, &e.Status,
		&e.ProcessingAttempts, &lastError, &txnID, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	e.LastError = deref(lastError)
	e.TransactionID = deref(txnID)
	return &e, nil
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
