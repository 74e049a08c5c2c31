// Package memory keeps every repository in process memory. A unit of work holds
// the store-wide writer lock until it commits or rolls back; rollback replays the
// unit's undo log.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/orders"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/reservation"
)

// Store is an in-memory implementation of every repository port.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	balances      map[inventory.BalanceKey]inventory.Balance
	movements     []inventory.Movement
	reversedBy    map[int64]int64
	reservations  map[int64]reservation.Reservation
	consignments  map[int64]consignment.Consignment
	returns       []consignment.Return
	orders        map[int64]orders.Order
	statusEvents  []orders.StatusEvent
	factoryOrders map[int64]orders.FactoryOrder
	factoryItems  map[int64]int64
	factoryEvents []orders.FactoryEvent
	auditEvents   []audit.Event
	idempotency   map[string]time.Time

	nextReservation int64
	nextConsignment int64
	nextReturn      int64
	nextOrder       int64
	nextOrderItem   int64
	nextFactory     int64
	nextFactoryItem int64
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		now:           time.Now,
		balances:      make(map[inventory.BalanceKey]inventory.Balance),
		reversedBy:    make(map[int64]int64),
		reservations:  make(map[int64]reservation.Reservation),
		consignments:  make(map[int64]consignment.Consignment),
		orders:        make(map[int64]orders.Order),
		factoryOrders: make(map[int64]orders.FactoryOrder),
		factoryItems:  make(map[int64]int64),
		idempotency:   make(map[string]time.Time),
	}
}

type undoKey struct{}

type undoLog struct {
	steps []func()
}

// WithinTx runs fn holding the writer lock. Nested calls join the open unit.
func (s *Store) WithinTx(ctx context.Context, fn func(context.Context) error) error {
	if s.owns(ctx) {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log := &undoLog{}
	unit := &db.Unit{Owner: s}
	unit.SetValue(undoKey{}, log)
	txCtx := db.WithUnit(ctx, unit)

	err := fn(txCtx)
	if err == nil {
		err = unit.RunHooks(txCtx)
	}
	if err != nil {
		for i := len(log.steps) - 1; i >= 0; i-- {
			log.steps[i]()
		}
		return err
	}
	return nil
}

func (s *Store) owns(ctx context.Context) bool {
	u := db.UnitFrom(ctx)
	return u != nil && u.Owner == s
}

// locked reports ErrNoUnit unless ctx holds the writer lock.
func (s *Store) locked(ctx context.Context) error {
	if !s.owns(ctx) {
		return db.ErrNoUnit
	}
	return nil
}

// read runs fn under the read lock unless ctx already holds the writer lock.
func (s *Store) read(ctx context.Context, fn func()) {
	if s.owns(ctx) {
		fn()
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn()
}

// write runs a mutation inside the unit carried by ctx and records its undo step.
func (s *Store) write(ctx context.Context, mutate func(), undo func()) error {
	if err := s.locked(ctx); err != nil {
		return err
	}
	log, _ := db.UnitFrom(ctx).Value(undoKey{}).(*undoLog)
	mutate()
	if log != nil {
		log.steps = append(log.steps, undo)
	}
	return nil
}

// Inventory returns the stock ledger repository.
func (s *Store) Inventory() *InventoryRepo { return &InventoryRepo{s: s} }

// Reservations returns the reservation repository.
func (s *Store) Reservations() *ReservationRepo { return &ReservationRepo{s: s} }

// Consignments returns the consignment repository.
func (s *Store) Consignments() *ConsignmentRepo { return &ConsignmentRepo{s: s} }

// Orders returns the order repository.
func (s *Store) Orders() *OrderRepo { return &OrderRepo{s: s} }

// Audit returns the audit chain repository.
func (s *Store) Audit() *AuditRepo { return &AuditRepo{s: s} }

// Idempotency returns the idempotency key store.
func (s *Store) Idempotency() *IdempotencyStore { return &IdempotencyStore{s: s} }
