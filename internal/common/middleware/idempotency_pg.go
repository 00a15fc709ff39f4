package middleware

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"paycore/internal/common/database"
)

// PGIdempotencyStore backs the Idempotency middleware with the
// idempotency_keys table.
type PGIdempotencyStore struct {
	q database.Querier
}

// NewPGIdempotencyStore creates a postgres-backed idempotency store.
func NewPGIdempotencyStore(q database.Querier) *PGIdempotencyStore {
	return &PGIdempotencyStore{q: q}
}

// Get implements IdempotencyStore.
func (s *PGIdempotencyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var response []byte
	err := s.q.QueryRow(ctx, `
		SELECT response FROM idempotency_keys
		WHERE key = $1 AND expires_at > now()
	`, key).Scan(&response)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}
	return response, true, nil
}

// Set implements IdempotencyStore.
func (s *PGIdempotencyStore) Set(ctx context.Context, key string, response []byte, ttl time.Duration) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO idempotency_keys (key, response, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, response, time.Now().UTC().Add(ttl))
	return err
}

var _ IdempotencyStore = (*PGIdempotencyStore)(nil)
