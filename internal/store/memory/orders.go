package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mobilia-erp/backoffice/internal/orders"
)

// OrderRepo implements orders.RepositoryPort and orders.TxRepository.
type OrderRepo struct {
	s *Store
}

// WithTx implements orders.RepositoryPort.
func (r *OrderRepo) WithTx(ctx context.Context, fn func(context.Context, orders.TxRepository) error) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

// GetOrder implements orders.RepositoryPort.
func (r *OrderRepo) GetOrder(ctx context.Context, id int64) (orders.Order, error) {
	var o orders.Order
	var ok bool
	r.s.read(ctx, func() { o, ok = r.s.orders[id] })
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrNotFound, id)
	}
	return copyOrder(o), nil
}

// ListStatusEvents implements orders.RepositoryPort.
func (r *OrderRepo) ListStatusEvents(ctx context.Context, orderID int64) ([]orders.StatusEvent, error) {
	var out []orders.StatusEvent
	r.s.read(ctx, func() {
		for _, ev := range r.s.statusEvents {
			if ev.OrderID == orderID {
				out = append(out, ev)
			}
		}
	})
	sortStatusEvents(out)
	return out, nil
}

// GetFactoryOrder implements orders.RepositoryPort.
func (r *OrderRepo) GetFactoryOrder(ctx context.Context, id int64) (orders.FactoryOrder, error) {
	var fo orders.FactoryOrder
	var ok bool
	r.s.read(ctx, func() { fo, ok = r.s.factoryOrders[id] })
	if !ok {
		return orders.FactoryOrder{}, fmt.Errorf("%w: %d", orders.ErrFactoryOrderNotFound, id)
	}
	return copyFactoryOrder(fo), nil
}

// ListFactoryEvents implements orders.RepositoryPort.
func (r *OrderRepo) ListFactoryEvents(ctx context.Context, factoryOrderID int64) ([]orders.FactoryEvent, error) {
	var out []orders.FactoryEvent
	r.s.read(ctx, func() {
		for _, ev := range r.s.factoryEvents {
			if ev.FactoryOrderID == factoryOrderID {
				out = append(out, ev)
			}
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// FactoryOrderIDForItem implements orders.RepositoryPort.
func (r *OrderRepo) FactoryOrderIDForItem(ctx context.Context, itemID int64) (int64, error) {
	var id int64
	var ok bool
	r.s.read(ctx, func() { id, ok = r.s.factoryItems[itemID] })
	if !ok {
		return 0, fmt.Errorf("%w: item %d", orders.ErrFactoryOrderNotFound, itemID)
	}
	return id, nil
}

// InsertOrder implements orders.TxRepository.
func (r *OrderRepo) InsertOrder(ctx context.Context, o *orders.Order) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prevOrder, prevItem := r.s.nextOrder, r.s.nextOrderItem
	o.ID = prevOrder + 1
	next := prevItem
	for i := range o.Items {
		next++
		o.Items[i].ID = next
		o.Items[i].OrderID = o.ID
	}
	stored := copyOrder(*o)
	return r.s.write(ctx, func() {
		r.s.nextOrder = stored.ID
		r.s.nextOrderItem = next
		r.s.orders[stored.ID] = stored
	}, func() {
		r.s.nextOrder, r.s.nextOrderItem = prevOrder, prevItem
		delete(r.s.orders, stored.ID)
	})
}

// LockOrder implements orders.TxRepository.
func (r *OrderRepo) LockOrder(ctx context.Context, id int64) (orders.Order, error) {
	if err := r.s.locked(ctx); err != nil {
		return orders.Order{}, err
	}
	o, ok := r.s.orders[id]
	if !ok {
		return orders.Order{}, fmt.Errorf("%w: %d", orders.ErrNotFound, id)
	}
	return copyOrder(o), nil
}

// LatestStatus implements orders.TxRepository.
func (r *OrderRepo) LatestStatus(ctx context.Context, orderID int64) (orders.StatusEvent, error) {
	if err := r.s.locked(ctx); err != nil {
		return orders.StatusEvent{}, err
	}
	var events []orders.StatusEvent
	for _, ev := range r.s.statusEvents {
		if ev.OrderID == orderID {
			events = append(events, ev)
		}
	}
	if len(events) == 0 {
		return orders.StatusEvent{}, fmt.Errorf("%w: order %d has no status", orders.ErrNotFound, orderID)
	}
	sortStatusEvents(events)
	return events[len(events)-1], nil
}

// InsertStatusEvent implements orders.TxRepository.
func (r *OrderRepo) InsertStatusEvent(ctx context.Context, ev *orders.StatusEvent) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	n := len(r.s.statusEvents)
	ev.ID = int64(n + 1)
	stored := *ev
	return r.s.write(ctx, func() {
		r.s.statusEvents = append(r.s.statusEvents, stored)
	}, func() {
		r.s.statusEvents = r.s.statusEvents[:n]
	})
}

// InsertFactoryOrder implements orders.TxRepository.
func (r *OrderRepo) InsertFactoryOrder(ctx context.Context, fo *orders.FactoryOrder) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prevFactory, prevItem := r.s.nextFactory, r.s.nextFactoryItem
	fo.ID = prevFactory + 1
	next := prevItem
	for i := range fo.Items {
		next++
		fo.Items[i].ID = next
		fo.Items[i].FactoryOrderID = fo.ID
	}
	stored := copyFactoryOrder(*fo)
	return r.s.write(ctx, func() {
		r.s.nextFactory = stored.ID
		r.s.nextFactoryItem = next
		r.s.factoryOrders[stored.ID] = stored
		for _, item := range stored.Items {
			r.s.factoryItems[item.ID] = stored.ID
		}
	}, func() {
		r.s.nextFactory, r.s.nextFactoryItem = prevFactory, prevItem
		delete(r.s.factoryOrders, stored.ID)
		for _, item := range stored.Items {
			delete(r.s.factoryItems, item.ID)
		}
	})
}

// LockFactoryOrder implements orders.TxRepository.
func (r *OrderRepo) LockFactoryOrder(ctx context.Context, id int64) (orders.FactoryOrder, error) {
	if err := r.s.locked(ctx); err != nil {
		return orders.FactoryOrder{}, err
	}
	fo, ok := r.s.factoryOrders[id]
	if !ok {
		return orders.FactoryOrder{}, fmt.Errorf("%w: %d", orders.ErrFactoryOrderNotFound, id)
	}
	return copyFactoryOrder(fo), nil
}

// UpdateFactoryItem implements orders.TxRepository.
func (r *OrderRepo) UpdateFactoryItem(ctx context.Context, item orders.FactoryItem) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	foID, ok := r.s.factoryItems[item.ID]
	if !ok {
		return fmt.Errorf("%w: item %d", orders.ErrFactoryOrderNotFound, item.ID)
	}
	prev := r.s.factoryOrders[foID]
	updated := copyFactoryOrder(prev)
	for i := range updated.Items {
		if updated.Items[i].ID == item.ID {
			updated.Items[i].QuantityDelivered = item.QuantityDelivered
		}
	}
	return r.s.write(ctx, func() { r.s.factoryOrders[foID] = updated }, func() { r.s.factoryOrders[foID] = prev })
}

// UpdateFactoryOrderStatus implements orders.TxRepository.
func (r *OrderRepo) UpdateFactoryOrderStatus(ctx context.Context, id int64, status orders.DeliveryStatus, at time.Time) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	prev, ok := r.s.factoryOrders[id]
	if !ok {
		return fmt.Errorf("%w: %d", orders.ErrFactoryOrderNotFound, id)
	}
	updated := copyFactoryOrder(prev)
	updated.Status = status
	updated.UpdatedAt = at
	return r.s.write(ctx, func() { r.s.factoryOrders[id] = updated }, func() { r.s.factoryOrders[id] = prev })
}

// InsertFactoryEvent implements orders.TxRepository.
func (r *OrderRepo) InsertFactoryEvent(ctx context.Context, ev *orders.FactoryEvent) error {
	if err := r.s.locked(ctx); err != nil {
		return err
	}
	n := len(r.s.factoryEvents)
	ev.ID = int64(n + 1)
	stored := *ev
	return r.s.write(ctx, func() {
		r.s.factoryEvents = append(r.s.factoryEvents, stored)
	}, func() {
		r.s.factoryEvents = r.s.factoryEvents[:n]
	})
}

func sortStatusEvents(events []orders.StatusEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.Before(events[j].OccurredAt)
		}
		return events[i].ID < events[j].ID
	})
}

func copyOrder(o orders.Order) orders.Order {
	o.Items = append([]orders.Item(nil), o.Items...)
	return o
}

func copyFactoryOrder(fo orders.FactoryOrder) orders.FactoryOrder {
	fo.Items = append([]orders.FactoryItem(nil), fo.Items...)
	return fo
}
