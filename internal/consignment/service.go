package consignment

import (
	"context"
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
	auditModule         = "consignment"
	subjectConsignment  = "consignment"
	defaultResponseDays = 10
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Consignment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]Consignment, error)
	ListReturns(ctx context.Context, consignmentID int64) ([]Return, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	Insert(ctx context.Context, c *Consignment) error
	GetForUpdate(ctx context.Context, id int64) (Consignment, error)
	Update(ctx context.Context, c Consignment) error
	InsertReturn(ctx context.Context, r *Return) error
}

// Ledger records the stock side of sends and returns.
type Ledger interface {
	RecordMovement(ctx context.Context, input inventory.MovementInput) (inventory.Movement, error)
}

// Calendar projects response deadlines.
type Calendar interface {
	BusinessDaysAdd(ctx context.Context, from time.Time, days int) (time.Time, error)
	DaysBetween(a, b time.Time) int
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Append(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
}

// ServiceConfig groups consignment settings.
type ServiceConfig struct {
	ResponseDays int
}

// Service tracks consigned stock until it is returned or purchased.
type Service struct {
	repo         RepositoryPort
	ledger       Ledger
	calendar     Calendar
	audit        AuditPort
	logger       *slog.Logger
	responseDays int
	now          func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger Ledger, calendar Calendar, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	days := cfg.ResponseDays
	if days <= 0 {
		days = defaultResponseDays
	}
	return &Service{repo: repo, ledger: ledger, calendar: calendar, audit: audit, logger: logger, responseDays: days, now: time.Now}
}

// Send removes the goods from the warehouse and opens a pending consignment.
func (s *Service) Send(ctx context.Context, input SendInput) (Consignment, error) {
	if input.VariantID <= 0 || input.WarehouseID <= 0 {
		return Consignment{}, fmt.Errorf("%w: variant and warehouse required", ErrInvalidInput)
	}
	if input.Quantity <= 0 {
		return Consignment{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if input.ActorID == 0 {
		return Consignment{}, shared.ErrActorRequired
	}
	sentAt := input.SentAt
	if sentAt.IsZero() {
		sentAt = s.now()
	}
	deadline := input.Deadline
	if deadline.IsZero() {
		var err error
		deadline, err = s.calendar.BusinessDaysAdd(ctx, sentAt, s.responseDays)
		if err != nil {
			return Consignment{}, fmt.Errorf("project response deadline: %w", err)
		}
	}
	if s.calendar.DaysBetween(sentAt, deadline) < 0 {
		return Consignment{}, fmt.Errorf("%w: deadline before send date", ErrInvalidInput)
	}

	var out Consignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.now().UTC()
		c := Consignment{
			OrderID:          input.OrderID,
			OrderItemID:      input.OrderItemID,
			VariantID:        input.VariantID,
			WarehouseID:      input.WarehouseID,
			Quantity:         input.Quantity,
			SentAt:           sentAt.UTC(),
			ResponseDeadline: deadline,
			Status:           StatusPending,
			CreatedBy:        input.ActorID,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.Insert(ctx, &c); err != nil {
			return fmt.Errorf("insert consignment: %w", err)
		}
		if _, err := s.ledger.RecordMovement(ctx, inventory.MovementInput{
			Kind:              inventory.KindConsignmentSend,
			VariantID:         c.VariantID,
			OriginWarehouseID: c.WarehouseID,
			Quantity:          c.Quantity,
			OccurredAt:        c.SentAt,
			ActorID:           input.ActorID,
			Correlation: inventory.Correlation{
				OrderID:       c.OrderID,
				OrderItemID:   c.OrderItemID,
				ConsignmentID: c.ID,
			},
			Note: input.Note,
		}); err != nil {
			return err
		}
		out = c
		return s.record(ctx, input.ActorID, c, audit.ActionCreate, "Consignação enviada", []audit.Change{
			{Field: "quantity", OldValue: "0", NewValue: strconv.FormatInt(c.Quantity, 10), ValueType: "int"},
			{Field: "response_deadline", NewValue: deadline.Format("2006-01-02"), ValueType: "date"},
		})
	})
	if err != nil {
		return Consignment{}, err
	}
	return out, nil
}

// RegisterReturn puts returned goods back into the warehouse.
func (s *Service) RegisterReturn(ctx context.Context, input ReturnInput) (Consignment, error) {
	if input.Quantity <= 0 {
		return Consignment{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if input.ActorID == 0 {
		return Consignment{}, shared.ErrActorRequired
	}
	var out Consignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetForUpdate(ctx, input.ConsignmentID)
		if err != nil {
			return err
		}
		if c.PurchasedAt != nil {
			return fmt.Errorf("%w: consignment %d was purchased", ErrClosed, c.ID)
		}
		if c.Returned+input.Quantity > c.Quantity {
			return fmt.Errorf("%w: consignment %d outstanding %d, returning %d", ErrReturnExceedsSent, c.ID, c.Outstanding(), input.Quantity)
		}
		at := input.ReturnedAt
		if at.IsZero() {
			at = s.now()
		}
		mv, err := s.ledger.RecordMovement(ctx, inventory.MovementInput{
			Kind:            inventory.KindConsignmentReturn,
			VariantID:       c.VariantID,
			DestWarehouseID: c.WarehouseID,
			Quantity:        input.Quantity,
			OccurredAt:      at,
			ActorID:         input.ActorID,
			Correlation: inventory.Correlation{
				OrderID:       c.OrderID,
				OrderItemID:   c.OrderItemID,
				ConsignmentID: c.ID,
			},
			Note: input.Note,
		})
		if err != nil {
			return err
		}
		ret := Return{
			ConsignmentID: c.ID,
			Quantity:      input.Quantity,
			ReturnedAt:    at.UTC(),
			ActorID:       input.ActorID,
			MovementID:    mv.ID,
			Note:          input.Note,
		}
		if err := tx.InsertReturn(ctx, &ret); err != nil {
			return fmt.Errorf("insert return: %w", err)
		}
		before := c.Status
		c.Returned += input.Quantity
		c.Status = DeriveStatus(c.Quantity, c.Returned, c.PurchasedAt)
		c.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, c); err != nil {
			return fmt.Errorf("update consignment: %w", err)
		}
		out = c
		return s.record(ctx, input.ActorID, c, audit.ActionUpdate, "Retorno de consignação", []audit.Change{
			{Field: "returned", OldValue: strconv.FormatInt(c.Returned-input.Quantity, 10), NewValue: strconv.FormatInt(c.Returned, 10), ValueType: "int"},
			{Field: "status", OldValue: string(before), NewValue: string(c.Status), ValueType: "string"},
		})
	})
	if err != nil {
		return Consignment{}, err
	}
	return out, nil
}

// ConfirmPurchase records the customer's decision to keep the outstanding goods.
// A partially returned consignment keeps its partial status but accepts no more returns.
func (s *Service) ConfirmPurchase(ctx context.Context, id, actorID int64, at time.Time) (Consignment, error) {
	if actorID == 0 {
		return Consignment{}, shared.ErrActorRequired
	}
	if at.IsZero() {
		at = s.now()
	}
	var out Consignment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		c, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if c.PurchasedAt != nil || c.Outstanding() == 0 {
			return fmt.Errorf("%w: consignment %d is %s", ErrClosed, c.ID, c.Status)
		}
		before := c.Status
		confirmed := at.UTC()
		c.PurchasedAt = &confirmed
		c.Status = DeriveStatus(c.Quantity, c.Returned, c.PurchasedAt)
		c.UpdatedAt = s.now().UTC()
		if err := tx.Update(ctx, c); err != nil {
			return fmt.Errorf("update consignment: %w", err)
		}
		out = c
		return s.record(ctx, actorID, c, audit.ActionStatusChange, "Compra confirmada", []audit.Change{
			{Field: "status", OldValue: string(before), NewValue: string(c.Status), ValueType: "string"},
			{Field: "purchased_at", NewValue: confirmed.Format(time.RFC3339), ValueType: "datetime"},
		})
	})
	if err != nil {
		return Consignment{}, err
	}
	return out, nil
}

// Get returns one consignment.
func (s *Service) Get(ctx context.Context, id int64) (Consignment, error) {
	return s.repo.Get(ctx, id)
}

// StatusOf derives the consignment's status.
func (s *Service) StatusOf(ctx context.Context, id int64) (Status, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return DeriveStatus(c.Quantity, c.Returned, c.PurchasedAt), nil
}

// View loads the consignment with its returns and the overdue derivation as of now.
func (s *Service) View(ctx context.Context, id int64, now time.Time) (View, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return View{}, err
	}
	returns, err := s.repo.ListReturns(ctx, id)
	if err != nil {
		return View{}, fmt.Errorf("list returns: %w", err)
	}
	c.Status = DeriveStatus(c.Quantity, c.Returned, c.PurchasedAt)
	v := View{
		Consignment: c,
		StatusLabel: c.Status.Label(),
		Outstanding: c.Outstanding(),
		Returns:     returns,
	}
	if c.PurchasedAt == nil && c.Outstanding() > 0 {
		if days := s.calendar.DaysBetween(c.ResponseDeadline, now); days > 0 {
			v.Overdue = true
			v.DaysOverdue = days
		}
	}
	return v, nil
}

// ListByOrder lists the consignments of an order.
func (s *Service) ListByOrder(ctx context.Context, orderID int64) ([]Consignment, error) {
	return s.repo.ListByOrder(ctx, orderID)
}

func (s *Service) record(ctx context.Context, actorID int64, c Consignment, action audit.Action, label string, changes []audit.Change) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:     actorID,
		SubjectType: subjectConsignment,
		SubjectID:   strconv.FormatInt(c.ID, 10),
		Module:      auditModule,
		Action:      action,
		Label:       label,
		Diff: map[string]any{
			"order_id":     c.OrderID,
			"variant_id":   c.VariantID,
			"warehouse_id": c.WarehouseID,
			"quantity":     c.Quantity,
			"returned":     c.Returned,
			"status":       string(c.Status),
		},
		Changes: changes,
	})
	return err
}
