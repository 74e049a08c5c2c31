package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/mobilia-erp/backoffice/internal/inventory"
)

// InventoryRepo implements inventory.RepositoryPort and inventory.TxRepository.
type InventoryRepo struct {
	s *Store
}

// WithTx implements inventory.RepositoryPort.
func (r *InventoryRepo) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

// GetBalance implements inventory.RepositoryPort.
func (r *InventoryRepo) GetBalance(ctx context.Context, variantID, warehouseID int64) (inventory.Balance, error) {
	var bal inventory.Balance
	var ok bool
	r.s.read(ctx, func() {
		bal, ok = r.s.balances[inventory.BalanceKey{VariantID: variantID, WarehouseID: warehouseID}]
	})
	if !ok {
		return inventory.Balance{VariantID: variantID, WarehouseID: warehouseID}, inventory.ErrBalanceNotFound
	}
	return bal, nil
}

// ListBalances implements inventory.RepositoryPort.
func (r *InventoryRepo) ListBalances(ctx context.Context, variantID int64) ([]inventory.Balance, error) {
	out := []inventory.Balance{}
	r.s.read(ctx, func() {
		for key, bal := range r.s.balances {
			if variantID == 0 || key.VariantID == variantID {
				out = append(out, bal)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].VariantID != out[j].VariantID {
			return out[i].VariantID < out[j].VariantID
		}
		return out[i].WarehouseID < out[j].WarehouseID
	})
	return out, nil
}

// ListMovements implements inventory.RepositoryPort.
func (r *InventoryRepo) ListMovements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error) {
	kinds := make(map[inventory.MovementKind]bool, len(filter.Kinds))
	for _, k := range filter.Kinds {
		kinds[k] = true
	}
	out := []inventory.Movement{}
	r.s.read(ctx, func() {
		for _, mv := range r.s.movements {
			switch {
			case filter.VariantID != 0 && mv.VariantID != filter.VariantID:
			case filter.WarehouseID != 0 && mv.OriginWarehouseID != filter.WarehouseID && mv.DestWarehouseID != filter.WarehouseID:
			case filter.OrderID != 0 && mv.Correlation.OrderID != filter.OrderID:
			case len(kinds) > 0 && !kinds[mv.Kind]:
			case !filter.From.IsZero() && mv.OccurredAt.Before(filter.From):
			case !filter.To.IsZero() && mv.OccurredAt.After(filter.To):
			default:
				out = append(out, mv)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []inventory.Movement{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SumMovements implements inventory.RepositoryPort.
func (r *InventoryRepo) SumMovements(ctx context.Context, variantID int64) (map[inventory.BalanceKey]int64, error) {
	sums := make(map[inventory.BalanceKey]int64)
	r.s.read(ctx, func() {
		for _, mv := range r.s.movements {
			if variantID != 0 && mv.VariantID != variantID {
				continue
			}
			for _, d := range mv.Deltas() {
				sums[inventory.BalanceKey{VariantID: mv.VariantID, WarehouseID: d.WarehouseID}] += d.Quantity
			}
		}
	})
	return sums, nil
}

// GetBalanceForUpdate implements inventory.TxRepository; the unit already holds the store lock.
func (r *InventoryRepo) GetBalanceForUpdate(ctx context.Context, variantID, warehouseID int64) (inventory.Balance, error) {
	if err := r.s.locked(ctx); err != nil {
		return inventory.Balance{}, err
	}
	key := inventory.BalanceKey{VariantID: variantID, WarehouseID: warehouseID}
	if bal, ok := r.s.balances[key]; ok {
		return bal, nil
	}
	bal := inventory.Balance{VariantID: variantID, WarehouseID: warehouseID, UpdatedAt: r.s.now().UTC()}
	err := r.s.write(ctx, func() { r.s.balances[key] = bal }, func() { delete(r.s.balances, key) })
	return bal, err
}

// UpsertBalance implements inventory.TxRepository.
func (r *InventoryRepo) UpsertBalance(ctx context.Context, balance inventory.Balance) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	key := inventory.BalanceKey{VariantID: balance.VariantID, WarehouseID: balance.WarehouseID}
	prev, existed := r.s.balances[key]
	return r.s.write(ctx, func() { r.s.balances[key] = balance }, func() {
		if existed {
			r.s.balances[key] = prev
		} else {
			delete(r.s.balances, key)
		}
	})
}

// InsertMovement implements inventory.TxRepository.
func (r *InventoryRepo) InsertMovement(ctx context.Context, mv *inventory.Movement) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	n := len(r.s.movements)
	mv.ID = int64(n + 1)
	mv.CreatedAt = r.s.now().UTC()
	stored := *mv
	return r.s.write(ctx, func() {
		r.s.movements = append(r.s.movements, stored)
		if stored.ReversesID != 0 {
			r.s.reversedBy[stored.ReversesID] = stored.ID
		}
	}, func() {
		r.s.movements = r.s.movements[:n]
		if stored.ReversesID != 0 {
			delete(r.s.reversedBy, stored.ReversesID)
		}
	})
}

// GetMovementForUpdate implements inventory.TxRepository.
func (r *InventoryRepo) GetMovementForUpdate(ctx context.Context, id int64) (inventory.Movement, error) {
	if err := r.s.locked(ctx); err != nil {
		return inventory.Movement{}, err
	}
	if id <= 0 || id > int64(len(r.s.movements)) {
		return inventory.Movement{}, fmt.Errorf("%w: %d", inventory.ErrMovementNotFound, id)
	}
	return r.s.movements[id-1], nil
}

// ReversalOf implements inventory.TxRepository.
func (r *InventoryRepo) ReversalOf(ctx context.Context, id int64) (int64, bool, error) {
	if err := r.s.locked(ctx); err != nil {
		return 0, false, err
	}
	revID, ok := r.s.reversedBy[id]
	return revID, ok, nil
}
