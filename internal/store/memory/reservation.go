package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mobilia-erp/backoffice/internal/reservation"
)

// ReservationRepo implements reservation.RepositoryPort and reservation.TxRepository.
type ReservationRepo struct {
	s *Store
}

// WithTx implements reservation.RepositoryPort.
func (r *ReservationRepo) WithTx(ctx context.Context, fn func(context.Context, reservation.TxRepository) error) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

// Get implements reservation.RepositoryPort.
func (r *ReservationRepo) Get(ctx context.Context, id int64) (reservation.Reservation, error) {
	var res reservation.Reservation
	var ok bool
	r.s.read(ctx, func() { res, ok = r.s.reservations[id] })
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("%w: %d", reservation.ErrNotFound, id)
	}
	return res, nil
}

// ListByOrder implements reservation.RepositoryPort.
func (r *ReservationRepo) ListByOrder(ctx context.Context, orderID int64) ([]reservation.Reservation, error) {
	out := []reservation.Reservation{}
	r.s.read(ctx, func() {
		for _, res := range r.s.reservations {
			if res.OrderID == orderID {
				out = append(out, res)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListExpired implements reservation.RepositoryPort.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	var due []reservation.Reservation
	r.s.read(ctx, func() {
		for _, res := range r.s.reservations {
			if res.Status == reservation.StatusActive && res.ExpiresAt != nil && res.ExpiresAt.Before(now) {
				due = append(due, res)
			}
		}
	})
	sort.Slice(due, func(i, j int) bool {
		if !due[i].ExpiresAt.Equal(*due[j].ExpiresAt) {
			return due[i].ExpiresAt.Before(*due[j].ExpiresAt)
		}
		return due[i].ID < due[j].ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	ids := make([]int64, len(due))
	for i, res := range due {
		ids[i] = res.ID
	}
	return ids, nil
}

// SumPendingByItem implements reservation.RepositoryPort.
func (r *ReservationRepo) SumPendingByItem(ctx context.Context, orderItemID int64) (int64, error) {
	var total int64
	r.s.read(ctx, func() {
		for _, res := range r.s.reservations {
			if res.OrderItemID == orderItemID && res.Status == reservation.StatusActive {
				total += res.Pending()
			}
		}
	})
	return total, nil
}

// SumPendingActive implements reservation.RepositoryPort and reservation.TxRepository.
func (r *ReservationRepo) SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	var total int64
	r.s.read(ctx, func() {
		for _, res := range r.s.reservations {
			if res.VariantID == variantID && res.WarehouseID == warehouseID && res.Status == reservation.StatusActive {
				total += res.Pending()
			}
		}
	})
	return total, nil
}

// Insert implements reservation.TxRepository.
func (r *ReservationRepo) Insert(ctx context.Context, res *reservation.Reservation) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prevNext := r.s.nextReservation
	res.ID = prevNext + 1
	stored := *res
	return r.s.write(ctx, func() {
		r.s.nextReservation = stored.ID
		r.s.reservations[stored.ID] = stored
	}, func() {
		r.s.nextReservation = prevNext
		delete(r.s.reservations, stored.ID)
	})
}

// GetForUpdate implements reservation.TxRepository.
func (r *ReservationRepo) GetForUpdate(ctx context.Context, id int64) (reservation.Reservation, error) {
	if err := r.s.locked(ctx); err != nil {
		return reservation.Reservation{}, err
	}
	res, ok := r.s.reservations[id]
	if !ok {
		return reservation.Reservation{}, fmt.Errorf("%w: %d", reservation.ErrNotFound, id)
	}
	return res, nil
}

// Update implements reservation.TxRepository.
func (r *ReservationRepo) Update(ctx context.Context, res reservation.Reservation) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prev, ok := r.s.reservations[res.ID]
	if !ok {
		return fmt.Errorf("%w: %d", reservation.ErrNotFound, res.ID)
	}
	return r.s.write(ctx, func() { r.s.reservations[res.ID] = res }, func() { r.s.reservations[res.ID] = prev })
}
