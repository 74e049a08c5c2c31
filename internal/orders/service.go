package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/reservation"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

const (
	auditModule         = "orders"
	subjectOrder        = "order"
	subjectFactoryOrder = "factory_order"
	defaultLeadTimeDays = 60
	defaultPageSize     = 500
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	ListStatusEvents(ctx context.Context, orderID int64) ([]StatusEvent, error)
	GetFactoryOrder(ctx context.Context, id int64) (FactoryOrder, error)
	ListFactoryEvents(ctx context.Context, factoryOrderID int64) ([]FactoryEvent, error)
	FactoryOrderIDForItem(ctx context.Context, itemID int64) (int64, error)
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	InsertOrder(ctx context.Context, order *Order) error
	LockOrder(ctx context.Context, id int64) (Order, error)
	LatestStatus(ctx context.Context, orderID int64) (StatusEvent, error)
	InsertStatusEvent(ctx context.Context, ev *StatusEvent) error
	InsertFactoryOrder(ctx context.Context, fo *FactoryOrder) error
	LockFactoryOrder(ctx context.Context, id int64) (FactoryOrder, error)
	UpdateFactoryItem(ctx context.Context, item FactoryItem) error
	UpdateFactoryOrderStatus(ctx context.Context, id int64, status DeliveryStatus, at time.Time) error
	InsertFactoryEvent(ctx context.Context, ev *FactoryEvent) error
}

// Ledger is the stock ledger surface used by orders.
type Ledger interface {
	RecordMovement(ctx context.Context, input inventory.MovementInput) (inventory.Movement, error)
	CompensateMovement(ctx context.Context, input inventory.ReverseInput) (inventory.Movement, error)
	Movements(ctx context.Context, filter inventory.MovementFilter) ([]inventory.Movement, error)
}

// Reservations is the reservation surface used by orders.
type Reservations interface {
	Reserve(ctx context.Context, input reservation.ReserveInput) (reservation.Reservation, error)
	Consume(ctx context.Context, input reservation.ConsumeInput) (reservation.Reservation, error)
	Cancel(ctx context.Context, id, actorID int64, reason string) (reservation.Reservation, error)
	ListByOrder(ctx context.Context, orderID int64) ([]reservation.Reservation, error)
	PendingFor(ctx context.Context, orderItemID int64) (int64, error)
}

// Consignments is the consignment surface used by orders.
type Consignments interface {
	Send(ctx context.Context, input consignment.SendInput) (consignment.Consignment, error)
	RegisterReturn(ctx context.Context, input consignment.ReturnInput) (consignment.Consignment, error)
	ConfirmPurchase(ctx context.Context, id, actorID int64, at time.Time) (consignment.Consignment, error)
	ListByOrder(ctx context.Context, orderID int64) ([]consignment.Consignment, error)
}

// Calendar projects due dates over business days.
type Calendar interface {
	BusinessDaysAdd(ctx context.Context, from time.Time, days int) (time.Time, error)
	DaysBetween(a, b time.Time) int
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Append(ctx context.Context, entry audit.Entry) (uuid.UUID, error)
}

// ServiceConfig carries the defaults applied to new orders. MovementPageSize
// bounds each movement read during cancellation.
type ServiceConfig struct {
	LeadTimeDaysDefault int
	DefaultWarehouseID  int64
	MovementPageSize    int
}

// Service drives sales and factory orders through their lifecycles.
type Service struct {
	repo         RepositoryPort
	ledger       Ledger
	reservations Reservations
	consignments Consignments
	calendar     Calendar
	audit        AuditPort
	logger       *slog.Logger
	cfg          ServiceConfig
	now          func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, ledger Ledger, reservations Reservations, consignments Consignments,
	calendar Calendar, audit AuditPort, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LeadTimeDaysDefault <= 0 {
		cfg.LeadTimeDaysDefault = defaultLeadTimeDays
	}
	if cfg.MovementPageSize <= 0 {
		cfg.MovementPageSize = defaultPageSize
	}
	return &Service{
		repo:         repo,
		ledger:       ledger,
		reservations: reservations,
		consignments: consignments,
		calendar:     calendar,
		audit:        audit,
		logger:       logger,
		cfg:          cfg,
		now:          time.Now,
	}
}

// CreateOrder persists the order with its created event and due date. Stock and
// consignment orders reserve every item at its warehouse in the same unit of work.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	if err := s.validateCreate(input); err != nil {
		return Order{}, err
	}
	orderDate := input.OrderDate
	if orderDate.IsZero() {
		orderDate = s.now()
	}
	lead := input.LeadTimeDays
	if lead == 0 {
		lead = s.cfg.LeadTimeDaysDefault
	}
	due, err := s.calendar.BusinessDaysAdd(ctx, orderDate, lead)
	if err != nil {
		return Order{}, fmt.Errorf("project due date: %w", err)
	}

	order := Order{
		CustomerID:         input.CustomerID,
		SalespersonID:      input.SalespersonID,
		PartnerID:          input.PartnerID,
		FulfilledFromStock: input.FulfilledFromStock,
		Consignment:        input.Consignment,
		Type:               DeriveType(input.FulfilledFromStock, input.Consignment),
		OrderDate:          orderDate,
		LeadTimeDays:       lead,
		DueDate:            due,
		Total:              decimal.Zero,
		Note:               input.Note,
		CreatedBy:          input.ActorID,
	}
	for _, in := range input.Items {
		item := Item{VariantID: in.VariantID, Quantity: in.Quantity, UnitPrice: in.UnitPrice, WarehouseID: in.WarehouseID}
		if item.WarehouseID == 0 {
			item.WarehouseID = s.cfg.DefaultWarehouseID
		}
		order.Total = order.Total.Add(item.Subtotal())
		order.Items = append(order.Items, item)
	}
	if order.Type != TypeStandard {
		for _, item := range order.Items {
			if item.WarehouseID <= 0 {
				return Order{}, fmt.Errorf("%w: variant %d has no warehouse to reserve from", ErrInvalidOrder, item.VariantID)
			}
		}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order.CreatedAt = s.now().UTC()
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		ev := StatusEvent{OrderID: order.ID, Status: StatusCreated, OccurredAt: orderDate.UTC(), ActorID: input.ActorID, Note: input.Note}
		if err := tx.InsertStatusEvent(ctx, &ev); err != nil {
			return fmt.Errorf("insert status event: %w", err)
		}
		if order.Type != TypeStandard {
			if err := s.reserveItems(ctx, order, input.ActorID, "pedido "+strconv.FormatInt(order.ID, 10)); err != nil {
				return err
			}
		}
		return s.record(ctx, input.ActorID, subjectOrder, order.ID, audit.ActionCreate, "Pedido criado", map[string]any{
			"type":           string(order.Type),
			"customer_id":    order.CustomerID,
			"salesperson_id": order.SalespersonID,
			"partner_id":     order.PartnerID,
			"lead_time_days": order.LeadTimeDays,
			"due_date":       order.DueDate.Format("2006-01-02"),
			"total":          order.Total.StringFixed(2),
			"items":          len(order.Items),
		}, nil)
	})
	if err != nil {
		return Order{}, err
	}
	return order, nil
}

func (s *Service) validateCreate(input CreateOrderInput) error {
	if input.ActorID == 0 {
		return shared.ErrActorRequired
	}
	if input.CustomerID <= 0 || input.SalespersonID <= 0 {
		return fmt.Errorf("%w: customer and salesperson required", ErrInvalidOrder)
	}
	if input.LeadTimeDays < 0 {
		return fmt.Errorf("%w: lead time must not be negative", ErrInvalidOrder)
	}
	if len(input.Items) == 0 {
		return fmt.Errorf("%w: at least one item required", ErrInvalidOrder)
	}
	for i, item := range input.Items {
		if item.VariantID <= 0 || item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d needs a variant and a positive quantity", ErrInvalidOrder, i)
		}
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: item %d has a negative price", ErrInvalidOrder, i)
		}
		if item.WarehouseID < 0 {
			return fmt.Errorf("%w: item %d has an invalid warehouse", ErrInvalidOrder, i)
		}
	}
	return nil
}

// AppendStatus moves the order to the next status and runs the step's stock side effects
// in the same unit of work.
func (s *Service) AppendStatus(ctx context.Context, input AppendStatusInput) (StatusEvent, error) {
	if input.ActorID == 0 {
		return StatusEvent{}, shared.ErrActorRequired
	}
	input.Status = input.Status.Canonical()
	var out StatusEvent
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		order, err := tx.LockOrder(ctx, input.OrderID)
		if err != nil {
			return err
		}
		current, err := tx.LatestStatus(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("latest status: %w", err)
		}
		if !CanTransition(order.Type, current.Status, input.Status) {
			return &TransitionError{OrderID: order.ID, From: current.Status, To: input.Status, Allowed: NextStatuses(order.Type, current.Status)}
		}
		at := input.OccurredAt
		if at.IsZero() {
			at = s.now()
		}
		if at.Before(current.OccurredAt) {
			return fmt.Errorf("%w: status time %s is before the current status time %s",
				ErrInvalidOrder, at.UTC().Format(time.RFC3339), current.OccurredAt.UTC().Format(time.RFC3339))
		}

		if err := s.applySideEffects(ctx, order, current.Status, input.Status, input.ActorID, at); err != nil {
			return err
		}

		ev := StatusEvent{OrderID: order.ID, Status: input.Status, OccurredAt: at.UTC(), ActorID: input.ActorID, Note: input.Note}
		if err := tx.InsertStatusEvent(ctx, &ev); err != nil {
			return fmt.Errorf("insert status event: %w", err)
		}
		ev.Label = ev.Status.Label()
		out = ev

		action := audit.ActionStatusChange
		if input.Status == StatusCancelled {
			action = audit.ActionCancel
		}
		return s.record(ctx, input.ActorID, subjectOrder, order.ID, action, input.Status.Label(), map[string]any{
			"from": string(current.Status),
			"to":   string(input.Status),
			"note": input.Note,
		}, []audit.Change{{Field: "status", OldValue: string(current.Status), NewValue: string(input.Status), ValueType: "string"}})
	})
	if err != nil {
		var terr *TransitionError
		if errors.As(err, &terr) {
			s.logger.Warn("order transition rejected", slog.Int64("order_id", terr.OrderID),
				slog.String("from", string(terr.From)), slog.String("to", string(terr.To)))
		}
		return StatusEvent{}, err
	}
	return out, nil
}

func (s *Service) applySideEffects(ctx context.Context, order Order, from, to Status, actorID int64, at time.Time) error {
	switch to {
	case StatusWarehouseDelivery:
		if order.Type == TypeStandard {
			return s.reserveItems(ctx, order, actorID, "entrega no depósito")
		}
	case StatusCustomerDelivery:
		return s.consumeReservations(ctx, order, actorID, at)
	case StatusConsigned:
		return s.consign(ctx, order, actorID, at)
	case StatusConsignmentReturn:
		return s.returnConsignments(ctx, order, actorID, at, "devolução de consignação")
	case StatusFinalized:
		if from == StatusConsigned {
			return s.confirmConsignments(ctx, order, actorID, at)
		}
	case StatusCancelled:
		return s.compensate(ctx, order, actorID, at)
	}
	return nil
}

// reserveItems reserves what each item does not hold yet.
func (s *Service) reserveItems(ctx context.Context, order Order, actorID int64, reason string) error {
	for _, item := range order.Items {
		if item.WarehouseID <= 0 {
			return fmt.Errorf("%w: variant %d has no warehouse to reserve from", ErrInvalidOrder, item.VariantID)
		}
		pending, err := s.reservations.PendingFor(ctx, item.ID)
		if err != nil {
			return fmt.Errorf("pending for item %d: %w", item.ID, err)
		}
		qty := item.Quantity - pending
		if qty <= 0 {
			continue
		}
		if _, err := s.reservations.Reserve(ctx, reservation.ReserveInput{
			VariantID:   item.VariantID,
			WarehouseID: item.WarehouseID,
			OrderID:     order.ID,
			OrderItemID: item.ID,
			Quantity:    qty,
			Reason:      reason,
			ActorID:     actorID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) consumeReservations(ctx context.Context, order Order, actorID int64, at time.Time) error {
	list, err := s.reservations.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, res := range list {
		if res.Status != reservation.StatusActive || res.Pending() == 0 {
			continue
		}
		if _, err := s.reservations.Consume(ctx, reservation.ConsumeInput{
			ReservationID: res.ID,
			Quantity:      res.Pending(),
			Kind:          inventory.KindCustomerDelivery,
			ActorID:       actorID,
			OccurredAt:    at,
			Note:          "entrega ao cliente",
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) cancelReservations(ctx context.Context, order Order, actorID int64, reason string) error {
	list, err := s.reservations.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}
	for _, res := range list {
		if res.Status != reservation.StatusActive {
			continue
		}
		if _, err := s.reservations.Cancel(ctx, res.ID, actorID, reason); err != nil {
			return err
		}
	}
	return nil
}

// consign releases the order's reservations and ships every item on consignment.
func (s *Service) consign(ctx context.Context, order Order, actorID int64, at time.Time) error {
	if err := s.cancelReservations(ctx, order, actorID, "enviado em consignação"); err != nil {
		return err
	}
	for _, item := range order.Items {
		if _, err := s.consignments.Send(ctx, consignment.SendInput{
			OrderID:     order.ID,
			OrderItemID: item.ID,
			VariantID:   item.VariantID,
			WarehouseID: item.WarehouseID,
			Quantity:    item.Quantity,
			SentAt:      at,
			ActorID:     actorID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) returnConsignments(ctx context.Context, order Order, actorID int64, at time.Time, note string) error {
	list, err := s.consignments.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list consignments: %w", err)
	}
	for _, c := range list {
		if c.PurchasedAt != nil || c.Outstanding() == 0 {
			continue
		}
		if _, err := s.consignments.RegisterReturn(ctx, consignment.ReturnInput{
			ConsignmentID: c.ID,
			Quantity:      c.Outstanding(),
			ReturnedAt:    at,
			ActorID:       actorID,
			Note:          note,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) confirmConsignments(ctx context.Context, order Order, actorID int64, at time.Time) error {
	list, err := s.consignments.ListByOrder(ctx, order.ID)
	if err != nil {
		return fmt.Errorf("list consignments: %w", err)
	}
	for _, c := range list {
		if c.PurchasedAt != nil || c.Outstanding() == 0 {
			continue
		}
		if _, err := s.consignments.ConfirmPurchase(ctx, c.ID, actorID, at); err != nil {
			return err
		}
	}
	return nil
}

// compensate undoes the order's stock effects: active reservations are cancelled,
// consigned goods come back through returns and other outflows are reversed.
func (s *Service) compensate(ctx context.Context, order Order, actorID int64, at time.Time) error {
	if err := s.cancelReservations(ctx, order, actorID, "pedido cancelado"); err != nil {
		return err
	}
	if err := s.returnConsignments(ctx, order, actorID, at, "pedido cancelado"); err != nil {
		return err
	}
	movements, err := s.orderMovements(ctx, order.ID)
	if err != nil {
		return err
	}
	reversed := make(map[int64]bool)
	for _, mv := range movements {
		if mv.ReversesID != 0 {
			reversed[mv.ReversesID] = true
		}
	}
	for _, mv := range movements {
		if !mv.IsOutflow() || mv.Kind == inventory.KindEstorno || mv.Kind == inventory.KindConsignmentSend || reversed[mv.ID] {
			continue
		}
		if _, err := s.ledger.CompensateMovement(ctx, inventory.ReverseInput{
			MovementID: mv.ID,
			ActorID:    actorID,
			OccurredAt: at,
			Note:       "estorno por cancelamento do pedido " + strconv.FormatInt(order.ID, 10),
		}); err != nil {
			return err
		}
	}
	return nil
}

// orderMovements pages through every movement correlated to the order before
// any reversal is appended.
func (s *Service) orderMovements(ctx context.Context, orderID int64) ([]inventory.Movement, error) {
	var all []inventory.Movement
	for {
		page, err := s.ledger.Movements(ctx, inventory.MovementFilter{OrderID: orderID, Limit: s.cfg.MovementPageSize, Offset: len(all)})
		if err != nil {
			return nil, fmt.Errorf("list order movements: %w", err)
		}
		all = append(all, page...)
		if len(page) < s.cfg.MovementPageSize {
			return all, nil
		}
	}
}

// Get returns the order with its items.
func (s *Service) Get(ctx context.Context, orderID int64) (Order, error) {
	return s.repo.GetOrder(ctx, orderID)
}

// History returns the order's status events, oldest first.
func (s *Service) History(ctx context.Context, orderID int64) ([]StatusEvent, error) {
	events, err := s.repo.ListStatusEvents(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, orderID)
	}
	for i := range events {
		events[i].Label = events[i].Status.Label()
	}
	return events, nil
}

// Current returns the latest status event.
func (s *Service) Current(ctx context.Context, orderID int64) (StatusEvent, error) {
	events, err := s.History(ctx, orderID)
	if err != nil {
		return StatusEvent{}, err
	}
	return events[len(events)-1], nil
}

// Situation derives the delivery situation as of today.
func (s *Service) Situation(ctx context.Context, orderID int64, today time.Time) (DeliverySituation, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return DeliverySituation{}, err
	}
	events, err := s.History(ctx, orderID)
	if err != nil {
		return DeliverySituation{}, err
	}
	return situationOf(order, events, today, s.calendar), nil
}

func situationOf(order Order, events []StatusEvent, today time.Time, cal Calendar) DeliverySituation {
	out := DeliverySituation{OrderID: order.ID, DueDate: order.DueDate, Situation: SituationOnTime}
	for _, ev := range events {
		if ev.Status == StatusCustomerDelivery {
			at := ev.OccurredAt
			out.Situation = SituationDelivered
			out.DeliveredAt = &at
			return out
		}
	}
	if late := cal.DaysBetween(order.DueDate, today); late > 0 {
		out.Situation = SituationLate
		out.DaysLate = late
	}
	return out
}

func (s *Service) record(ctx context.Context, actorID int64, subjectType string, subjectID int64, action audit.Action, label string, diff map[string]any, changes []audit.Change) error {
	if s.audit == nil {
		return nil
	}
	_, err := s.audit.Append(ctx, audit.Entry{
		ActorID:     actorID,
		SubjectType: subjectType,
		SubjectID:   strconv.FormatInt(subjectID, 10),
		Module:      auditModule,
		Action:      action,
		Label:       label,
		Diff:        diff,
		Changes:     changes,
	})
	return err
}
