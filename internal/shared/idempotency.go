package shared

import (
	"context"
	"errors"
	"time"

	"github.com/mobilia-erp/backoffice/internal/platform/db"
)

// IdempotencyStore persists processed keys. Inside a unit of work the key is
// written by the same transaction, so a rolled back batch frees its keys.
type IdempotencyStore struct {
	db *db.TxManager
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(txm *db.TxManager) *IdempotencyStore {
	return &IdempotencyStore{db: txm}
}

// ErrIdempotencyConflict indicates a duplicate key.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")

// CheckAndInsert ensures key uniqueness per module.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil {
		return errors.New("idempotency store not initialised")
	}
	if err := validateKey(key, module); err != nil {
		return err
	}
	// ON CONFLICT keeps the surrounding transaction usable; a raised 23505 would abort it.
	tag, err := s.db.Conn(ctx).Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)
ON CONFLICT (key, module) DO NOTHING`, key, module, time.Now())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// Cleanup removes entries older than retention.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if s == nil {
		return nil
	}
	cutoff := time.Now().Add(-olderThan)
	_, err := s.db.Conn(ctx).Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	return err
}

func validateKey(key, module string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	if module == "" {
		return errors.New("idempotency module required")
	}
	return nil
}

// ValidateIdempotencyKey applies the store's key rules; used by non-SQL stores.
func ValidateIdempotencyKey(key, module string) error {
	return validateKey(key, module)
}
