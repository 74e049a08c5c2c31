package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/mobilia-erp/backoffice/internal/consignment"
)

// ConsignmentRepo implements consignment.RepositoryPort and consignment.TxRepository.
type ConsignmentRepo struct {
	s *Store
}

// WithTx implements consignment.RepositoryPort.
func (r *ConsignmentRepo) WithTx(ctx context.Context, fn func(context.Context, consignment.TxRepository) error) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

// Get implements consignment.RepositoryPort.
func (r *ConsignmentRepo) Get(ctx context.Context, id int64) (consignment.Consignment, error) {
	var c consignment.Consignment
	var ok bool
	r.s.read(ctx, func() { c, ok = r.s.consignments[id] })
	if !ok {
		return consignment.Consignment{}, fmt.Errorf("%w: %d", consignment.ErrNotFound, id)
	}
	return c, nil
}

// ListByOrder implements consignment.RepositoryPort.
func (r *ConsignmentRepo) ListByOrder(ctx context.Context, orderID int64) ([]consignment.Consignment, error) {
	out := []consignment.Consignment{}
	r.s.read(ctx, func() {
		for _, c := range r.s.consignments {
			if c.OrderID == orderID {
				out = append(out, c)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListReturns implements consignment.RepositoryPort.
func (r *ConsignmentRepo) ListReturns(ctx context.Context, consignmentID int64) ([]consignment.Return, error) {
	out := []consignment.Return{}
	r.s.read(ctx, func() {
		for _, ret := range r.s.returns {
			if ret.ConsignmentID == consignmentID {
				out = append(out, ret)
			}
		}
	})
	return out, nil
}

// Insert implements consignment.TxRepository.
func (r *ConsignmentRepo) Insert(ctx context.Context, c *consignment.Consignment) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prevNext := r.s.nextConsignment
	c.ID = prevNext + 1
	stored := *c
	return r.s.write(ctx, func() {
		r.s.nextConsignment = stored.ID
		r.s.consignments[stored.ID] = stored
	}, func() {
		r.s.nextConsignment = prevNext
		delete(r.s.consignments, stored.ID)
	})
}

// GetForUpdate implements consignment.TxRepository.
func (r *ConsignmentRepo) GetForUpdate(ctx context.Context, id int64) (consignment.Consignment, error) {
	if err := r.s.locked(ctx); err != nil {
		return consignment.Consignment{}, err
	}
	c, ok := r.s.consignments[id]
	if !ok {
		return consignment.Consignment{}, fmt.Errorf("%w: %d", consignment.ErrNotFound, id)
	}
	return c, nil
}

// Update implements consignment.TxRepository.
func (r *ConsignmentRepo) Update(ctx context.Context, c consignment.Consignment) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prev, ok := r.s.consignments[c.ID]
	if !ok {
		return fmt.Errorf("%w: %d", consignment.ErrNotFound, c.ID)
	}
	return r.s.write(ctx, func() { r.s.consignments[c.ID] = c }, func() { r.s.consignments[c.ID] = prev })
}

// InsertReturn implements consignment.TxRepository.
func (r *ConsignmentRepo) InsertReturn(ctx context.Context, ret *consignment.Return) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prevNext := r.s.nextReturn
	n := len(r.s.returns)
	ret.ID = prevNext + 1
	stored := *ret
	return r.s.write(ctx, func() {
		r.s.nextReturn = stored.ID
		r.s.returns = append(r.s.returns, stored)
	}, func() {
		r.s.nextReturn = prevNext
		r.s.returns = r.s.returns[:n]
	})
}
