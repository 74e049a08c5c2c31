package memory

import (
	"context"
	"time"

	"github.com/mobilia-erp/backoffice/internal/shared"
)

// IdempotencyStore keeps processed keys per module.
type IdempotencyStore struct {
	s *Store
}

// CheckAndInsert records key for module, failing with shared.ErrIdempotencyConflict
// when it was already processed. Outside a unit of work it opens its own.
func (i *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if err := shared.ValidateIdempotencyKey(key, module); err != nil {
		return err
	}
	return i.s.WithinTx(ctx, func(ctx context.Context) error {
		id := module + "\x00" + key
		if _, ok := i.s.idempotency[id]; ok {
			return shared.ErrIdempotencyConflict
		}
		return i.s.write(ctx, func() {
			i.s.idempotency[id] = i.s.now()
		}, func() {
			delete(i.s.idempotency, id)
		})
	})
}

// Cleanup removes keys older than olderThan.
func (i *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	return i.s.WithinTx(ctx, func(ctx context.Context) error {
		cutoff := i.s.now().Add(-olderThan)
		for id, at := range i.s.idempotency {
			if at.Before(cutoff) {
				if err := i.s.write(ctx, func() { delete(i.s.idempotency, id) }, func() { i.s.idempotency[id] = at }); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
