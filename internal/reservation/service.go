package reservation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

const (
	auditModule        = "reservation"
	subjectReservation = "reservation"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Reservation, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Reservation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]int64, error)
	SumPendingByItem(ctx context.Context, orderItemID int64) (int64, error)
	SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, res *Reservation) error
	GetForUpdate(ctx context.Context, id int64) (Reservation, error)
	Update(ctx context.Context, res Reservation) error
	SumPendingActive(ctx context.Context, variantID, warehouseID int64) (int64, error)
}

// Ledger is the stock ledger surface used by reservations.
type Ledger interface {
	LockBalance(ctx context.Context, variantID, warehouseID int64) (inventory.Balance, error)
	BalanceOf(ctx context.Context, variantID, warehouseID int64) (int64, error)
	RecordMovement(ctx context.Context, input inventory.MovementInput) (inventory.Movement, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Append(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
}

// Service manages soft allocations against available stock.
type Service struct {
	repo   RepositoryPort
	ledger Ledger
	audit  AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger Ledger, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, ledger: ledger, audit: audit, logger: logger, now: time.Now}
}

// Reserve allocates quantity if it fits in balance minus active pending reservations.
// The balance row stays locked until the unit of work ends.
func (s *Service) Reserve(ctx context.Context, input ReserveInput) (Reservation, error) {
	if input.VariantID <= 0 || input.WarehouseID <= 0 || input.OrderItemID <= 0 {
		return Reservation{}, fmt.Errorf("%w: variant, warehouse and order item required", ErrInvalidInput)
	}
	if input.Quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if input.ActorID == 0 {
		return Reservation{}, shared.ErrActorRequired
	}
	var out Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		bal, err := s.ledger.LockBalance(ctx, input.VariantID, input.WarehouseID)
		if err != nil {
			return err
		}
		pending, err := tx.SumPendingActive(ctx, input.VariantID, input.WarehouseID)
		if err != nil {
			return fmt.Errorf("sum pending: %w", err)
		}
		available := bal.Quantity - pending
		if input.Quantity > available {
			return fmt.Errorf("%w: variant %d warehouse %d available %d, requested %d",
				ErrInsufficientAvailability, input.VariantID, input.WarehouseID, available, input.Quantity)
		}
		now := s.now().UTC()
		res := Reservation{
			VariantID:   input.VariantID,
			WarehouseID: input.WarehouseID,
			OrderID:     input.OrderID,
			OrderItemID: input.OrderItemID,
			Requested:   input.Quantity,
			Status:      StatusActive,
			ExpiresAt:   input.ExpiresAt,
			Reason:      input.Reason,
			CreatedBy:   input.ActorID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.Insert(ctx, &res); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		out = res
		return s.record(ctx, input.ActorID, res, audit.ActionCreate, "Reserva criada", []audit.Change{
			{Field: "requested", OldValue: "0", NewValue: strconv.FormatInt(res.Requested, 10), ValueType: "int"},
		})
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientAvailability) {
			s.logger.Warn("reservation rejected", slog.Any("error", err))
		}
		return Reservation{}, err
	}
	return out, nil
}

// Consume turns pending quantity into a ledger outflow in the same unit of work.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (Reservation, error) {
	if input.Quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if input.ActorID == 0 {
		return Reservation{}, shared.ErrActorRequired
	}
	kind := input.Kind
	if kind == "" {
		kind = inventory.KindSaida
	}
	if kind.Direction() != inventory.DirectionOutflow {
		return Reservation{}, fmt.Errorf("%w: %s is not an outflow kind", ErrInvalidInput, kind)
	}
	var out Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetForUpdate(ctx, input.ReservationID)
		if err != nil {
			return err
		}
		if res.Status != StatusActive {
			return fmt.Errorf("%w: reservation %d is %s", ErrNotActive, res.ID, res.Status)
		}
		if res.Consumed+input.Quantity > res.Requested {
			return fmt.Errorf("%w: reservation %d pending %d, consuming %d", ErrOverConsumption, res.ID, res.Pending(), input.Quantity)
		}
		if _, err := s.ledger.RecordMovement(ctx, inventory.MovementInput{
			Kind:              kind,
			VariantID:         res.VariantID,
			OriginWarehouseID: res.WarehouseID,
			Quantity:          input.Quantity,
			OccurredAt:        input.OccurredAt,
			ActorID:           input.ActorID,
			Correlation: inventory.Correlation{
				OrderID:       res.OrderID,
				OrderItemID:   res.OrderItemID,
				ReservationID: res.ID,
			},
			Note: input.Note,
		}); err != nil {
			return err
		}
		before := res.Consumed
		res.Consumed += input.Quantity
		if res.Consumed == res.Requested {
			res.Status = StatusConsumed
		}
		res.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, res); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		out = res
		return s.record(ctx, input.ActorID, res, audit.ActionUpdate, "Reserva consumida", []audit.Change{
			{Field: "consumed", OldValue: strconv.FormatInt(before, 10), NewValue: strconv.FormatInt(res.Consumed, 10), ValueType: "int"},
			{Field: "status", OldValue: string(StatusActive), NewValue: string(res.Status), ValueType: "string"},
		})
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// Cancel releases the pending quantity of an active reservation.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, reason string) (Reservation, error) {
	if actorID == 0 {
		return Reservation{}, shared.ErrActorRequired
	}
	return s.close(ctx, id, actorID, StatusCancelled, audit.ActionCancel, "Reserva cancelada", reason, time.Time{})
}

// Expire releases an active reservation whose deadline has passed. Driven by the scheduler.
func (s *Service) Expire(ctx context.Context, id int64, now time.Time) (Reservation, error) {
	return s.close(ctx, id, 0, StatusExpired, audit.ActionStatusChange, "Reserva expirada", "", now)
}

func (s *Service) close(ctx context.Context, id, actorID int64, to Status, action audit.Action, label, reason string, now time.Time) (Reservation, error) {
	var out Reservation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		res, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if res.Status != StatusActive {
			return fmt.Errorf("%w: reservation %d is %s", ErrNotActive, res.ID, res.Status)
		}
		if to == StatusExpired && (res.ExpiresAt == nil || !now.After(*res.ExpiresAt)) {
			return fmt.Errorf("%w: reservation %d", ErrNotExpired, res.ID)
		}
		res.Status = to
		if reason != "" {
			res.Reason = reason
		}
		res.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, res); err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		out = res
		return s.record(ctx, actorID, res, action, label, []audit.Change{
			{Field: "status", OldValue: string(StatusActive), NewValue: string(to), ValueType: "string"},
			{Field: "released", OldValue: "0", NewValue: strconv.FormatInt(res.Pending(), 10), ValueType: "int"},
		})
	})
	if err != nil {
		return Reservation{}, err
	}
	return out, nil
}

// ExpireDue expires up to limit overdue reservations, each in its own unit of work.
func (s *Service) ExpireDue(ctx context.Context, now time.Time, limit int) (int, error) {
	ids, err := s.repo.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired reservations: %w", err)
	}
	expired := 0
	for _, id := range ids {
		if _, err := s.Expire(ctx, id, now); err != nil {
			if errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotExpired) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// PendingFor sums the pending quantity of active reservations for an order item.
func (s *Service) PendingFor(ctx context.Context, orderItemID int64) (int64, error) {
	return s.repo.SumPendingByItem(ctx, orderItemID)
}

// Available returns balance minus active pending reservations.
func (s *Service) Available(ctx context.Context, variantID, warehouseID int64) (int64, error) {
	bal, err := s.ledger.BalanceOf(ctx, variantID, warehouseID)
	if err != nil {
		return 0, err
	}
	pending, err := s.repo.SumPendingActive(ctx, variantID, warehouseID)
	if err != nil {
		return 0, fmt.Errorf("sum pending: %w", err)
	}
	return bal - pending, nil
}

// Get returns one reservation.
func (s *Service) Get(ctx context.Context, id int64) (Reservation, error) {
	return s.repo.Get(ctx, id)
}

// ListByOrder lists the reservations of an order.
func (s *Service) ListByOrder(ctx context.Context, orderID int64) ([]Reservation, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) record(ctx context.Context, actorID int64, res Reservation, action audit.Action, label string, changes []audit.Change) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:     actorID,
		SubjectType: subjectReservation,
		SubjectID:   strconv.FormatInt(res.ID, 10),
		Module:      auditModule,
		Action:      action,
		Label:       label,
		Diff: map[string]any{
			"variant_id":    res.VariantID,
			"warehouse_id":  res.WarehouseID,
			"order_id":      res.OrderID,
			"order_item_id": res.OrderItemID,
			"requested":     res.Requested,
			"consumed":      res.Consumed,
			"status":        string(res.Status),
		},
		Changes: changes,
	})
	return err
}
