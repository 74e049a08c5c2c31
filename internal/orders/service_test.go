package orders_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/calendar"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/orders"
	"github.com/mobilia-erp/backoffice/internal/reservation"
	"github.com/mobilia-erp/backoffice/internal/store/memory"
)

const (
	actor     int64 = 11
	variant   int64 = 500
	warehouse int64 = 1
)

var orderDate = time.Date(2026, 2, 6, 9, 0, 0, 0, time.UTC) // Friday

type fixture struct {
	chain        *audit.Chain
	ledger       *inventory.Service
	reservations *reservation.Service
	consignments *consignment.Service
	service      *orders.Service
	clock        time.Time
}

func newFixture(t *testing.T, stock int64) *fixture {
	t.Helper()
	return newFixtureWith(t, stock, orders.ServiceConfig{LeadTimeDaysDefault: 60, DefaultWarehouseID: warehouse})
}

func newFixtureWith(t *testing.T, stock int64, cfg orders.ServiceConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	chain := audit.NewChain(store.Audit(), logger)
	cal := calendar.New(calendar.Brazil{State: "SP"}, time.UTC)
	ledger := inventory.NewService(store.Inventory(), chain, store.Idempotency(), nil, logger,
		inventory.ServiceConfig{Reserved: store.Reservations()})
	res := reservation.NewService(store.Reservations(), ledger, chain, logger)
	cons := consignment.NewService(store.Consignments(), ledger, cal, chain, logger, consignment.ServiceConfig{})
	f := &fixture{
		chain:        chain,
		ledger:       ledger,
		reservations: res,
		consignments: cons,
		service:      orders.NewService(store.Orders(), ledger, res, cons, cal, chain, logger, cfg),
		clock:        orderDate,
	}
	if stock > 0 {
		_, err := ledger.RecordMovement(context.Background(), inventory.MovementInput{
			Kind: inventory.KindEntrada, VariantID: variant, DestWarehouseID: warehouse, Quantity: stock, ActorID: actor,
			OccurredAt: orderDate.Add(-time.Hour),
		})
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) create(t *testing.T, fromStock, consigned bool, qty int64) orders.Order {
	t.Helper()
	o, err := f.service.CreateOrder(context.Background(), orders.CreateOrderInput{
		CustomerID:         1,
		SalespersonID:      2,
		FulfilledFromStock: fromStock,
		Consignment:        consigned,
		OrderDate:          orderDate,
		LeadTimeDays:       1,
		Items:              []orders.ItemInput{{VariantID: variant, Quantity: qty, UnitPrice: decimal.RequireFromString("1499.90")}},
		ActorID:            actor,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) step(orderID int64, status orders.Status) (orders.StatusEvent, error) {
	f.clock = f.clock.Add(time.Hour)
	return f.service.AppendStatus(context.Background(), orders.AppendStatusInput{
		OrderID: orderID, Status: status, OccurredAt: f.clock, ActorID: actor,
	})
}

func (f *fixture) walk(t *testing.T, orderID int64, statuses ...orders.Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := f.step(orderID, s)
		require.NoError(t, err, "append %s", s)
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	qty, err := f.ledger.BalanceOf(context.Background(), variant, warehouse)
	require.NoError(t, err)
	return qty
}

func (f *fixture) available(t *testing.T) int64 {
	t.Helper()
	qty, err := f.reservations.Available(context.Background(), variant, warehouse)
	require.NoError(t, err)
	return qty
}

var toWarehouse = []orders.Status{
	orders.StatusSentToFactory,
	orders.StatusInvoiceIssued,
	orders.StatusFactoryShipmentForecast,
	orders.StatusFactoryShipment,
	orders.StatusInvoiceReceivedAtPurchasing,
	orders.StatusWarehouseDeliveryForecast,
	orders.StatusWarehouseDelivery,
}

var toCustomer = []orders.Status{
	orders.StatusCustomerShipmentForecast,
	orders.StatusCustomerShipment,
	orders.StatusCustomerDelivery,
}

func TestCreateOrderProjectsDueDate(t *testing.T) {
	f := newFixture(t, 0)
	o := f.create(t, false, false, 1)

	assert.Equal(t, orders.TypeStandard, o.Type)
	assert.Equal(t, time.Date(2026, 2, 9, 0, 0, 0, 0, time.UTC), o.DueDate)
	assert.True(t, decimal.RequireFromString("1499.90").Equal(o.Total))

	ctx := context.Background()
	sit, err := f.service.Situation(ctx, o.ID, time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, orders.SituationLate, sit.Situation)
	assert.Equal(t, 1, sit.DaysLate)

	sit, err = f.service.Situation(ctx, o.ID, time.Date(2026, 2, 9, 18, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, orders.SituationOnTime, sit.Situation)

	current, err := f.service.Current(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCreated, current.Status)
	assert.Equal(t, "Pedido criado", current.Label)
}

func TestCreateOrderDefaultsLeadTime(t *testing.T) {
	f := newFixture(t, 0)
	o, err := f.service.CreateOrder(context.Background(), orders.CreateOrderInput{
		CustomerID: 1, SalespersonID: 2, OrderDate: orderDate, ActorID: actor,
		Items: []orders.ItemInput{{VariantID: variant, Quantity: 1, UnitPrice: decimal.NewFromInt(10)}},
	})
	require.NoError(t, err)
	assert.Equal(t, 60, o.LeadTimeDays)
	assert.Equal(t, warehouse, o.Items[0].WarehouseID)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	_, err := f.service.CreateOrder(ctx, orders.CreateOrderInput{CustomerID: 1, SalespersonID: 2, ActorID: actor})
	assert.ErrorIs(t, err, orders.ErrInvalidOrder)
	_, err = f.service.CreateOrder(ctx, orders.CreateOrderInput{
		CustomerID: 1, SalespersonID: 2, ActorID: actor, LeadTimeDays: -1,
		Items: []orders.ItemInput{{VariantID: variant, Quantity: 1}},
	})
	assert.ErrorIs(t, err, orders.ErrInvalidOrder)
}

func TestStockOrderReservesAtCreation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	o := f.create(t, true, false, 2)
	assert.Equal(t, orders.TypeStock, o.Type)
	assert.Equal(t, int64(1), f.available(t))

	_, err := f.service.CreateOrder(ctx, orders.CreateOrderInput{
		CustomerID: 1, SalespersonID: 2, FulfilledFromStock: true, OrderDate: orderDate, ActorID: actor,
		Items: []orders.ItemInput{{VariantID: variant, Quantity: 2, UnitPrice: decimal.NewFromInt(10)}},
	})
	require.ErrorIs(t, err, reservation.ErrInsufficientAvailability)
	_, err = f.service.Get(ctx, 2)
	assert.ErrorIs(t, err, orders.ErrNotFound, "rejected order is not persisted")
}

func TestStockOrderRejectsFactoryStep(t *testing.T) {
	f := newFixture(t, 5)
	o := f.create(t, true, false, 2)

	_, err := f.step(o.ID, orders.StatusSentToFactory)
	require.ErrorIs(t, err, orders.ErrInvalidTransition)
	var terr *orders.TransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, orders.StatusCreated, terr.From)
	assert.Equal(t, []orders.Status{orders.StatusWarehouseDelivery, orders.StatusCancelled}, terr.Allowed)

	ev, err := f.step(o.ID, orders.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, "Cancelado", ev.Label)
	assert.Equal(t, int64(5), f.available(t), "cancellation releases the reservation")

	_, err = f.step(o.ID, orders.StatusWarehouseDelivery)
	assert.ErrorIs(t, err, orders.ErrInvalidTransition, "cancelled is terminal")
}

func TestStandardOrderLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	o := f.create(t, false, false, 3)

	fo, err := f.service.CreateFactoryOrder(ctx, orders.CreateFactoryOrderInput{
		SupplierRef: "FAB-2026-001", OrderID: o.ID, ActorID: actor,
		Items: []orders.FactoryItemInput{{VariantID: variant, OrderItemID: o.Items[0].ID, Quantity: 3}},
	})
	require.NoError(t, err)
	_, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: fo.Items[0].ID, Quantity: 3, DeliveredAt: orderDate, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, int64(3), f.balance(t))

	f.walk(t, o.ID, toWarehouse...)
	assert.Equal(t, int64(0), f.available(t), "arrived goods are held for the order")
	pending, err := f.reservations.PendingFor(ctx, o.Items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)

	f.walk(t, o.ID, toCustomer...)
	assert.Equal(t, int64(0), f.balance(t))
	f.walk(t, o.ID, orders.StatusFinalized)

	history, err := f.service.History(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, history, 12)
	assert.Equal(t, "Finalizado", history[len(history)-1].Label)

	sit, err := f.service.Situation(ctx, o.ID, orderDate.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, orders.SituationDelivered, sit.Situation)
	require.NotNil(t, sit.DeliveredAt)

	movements, err := f.ledger.Movements(ctx, inventory.MovementFilter{OrderID: o.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, inventory.KindWarehouseEntry, movements[0].Kind)
	assert.Equal(t, "FAB-2026-001", movements[0].Correlation.Reference)
	assert.Equal(t, inventory.KindCustomerDelivery, movements[1].Kind)
}

func TestWarehouseDeliveryWithoutStockRollsBack(t *testing.T) {
	f := newFixture(t, 0)
	o := f.create(t, false, false, 2)
	f.walk(t, o.ID, toWarehouse[:len(toWarehouse)-1]...)

	_, err := f.step(o.ID, orders.StatusWarehouseDelivery)
	require.ErrorIs(t, err, reservation.ErrInsufficientAvailability)

	current, err := f.service.Current(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusWarehouseDeliveryForecast, current.Status)
}

func TestStatusTimeCannotGoBack(t *testing.T) {
	f := newFixture(t, 0)
	o := f.create(t, false, false, 1)
	_, err := f.service.AppendStatus(context.Background(), orders.AppendStatusInput{
		OrderID: o.ID, Status: orders.StatusSentToFactory, OccurredAt: orderDate.Add(-time.Minute), ActorID: actor,
	})
	assert.ErrorIs(t, err, orders.ErrInvalidOrder)
}

func TestCancelAfterDeliveryReversesOutflows(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	o := f.create(t, true, false, 2)
	f.walk(t, o.ID, orders.StatusWarehouseDelivery)
	f.walk(t, o.ID, toCustomer...)
	assert.Equal(t, int64(3), f.balance(t))

	f.walk(t, o.ID, orders.StatusCancelled)
	assert.Equal(t, int64(5), f.balance(t))

	movements, err := f.ledger.Movements(ctx, inventory.MovementFilter{OrderID: o.ID})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, inventory.KindEstorno, movements[1].Kind)
	assert.Equal(t, movements[0].ID, movements[1].ReversesID)

	discrepancies, err := f.ledger.Reconcile(ctx, variant)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)

	events, err := f.chain.Subject(ctx, "order", "1")
	require.NoError(t, err)
	assert.Equal(t, audit.ActionCancel, events[len(events)-1].Action)
}

func TestCancelReversesEveryOutflowAcrossPages(t *testing.T) {
	f := newFixtureWith(t, 10, orders.ServiceConfig{LeadTimeDaysDefault: 60, DefaultWarehouseID: warehouse, MovementPageSize: 2})
	ctx := context.Background()
	items := make([]orders.ItemInput, 5)
	for i := range items {
		items[i] = orders.ItemInput{VariantID: variant, Quantity: 1, UnitPrice: decimal.NewFromInt(100)}
	}
	o, err := f.service.CreateOrder(ctx, orders.CreateOrderInput{
		CustomerID: 1, SalespersonID: 2, FulfilledFromStock: true, OrderDate: orderDate, LeadTimeDays: 1,
		Items: items, ActorID: actor,
	})
	require.NoError(t, err)
	f.walk(t, o.ID, orders.StatusWarehouseDelivery)
	f.walk(t, o.ID, toCustomer...)
	assert.Equal(t, int64(5), f.balance(t))

	f.walk(t, o.ID, orders.StatusCancelled)
	assert.Equal(t, int64(10), f.balance(t))

	movements, err := f.ledger.Movements(ctx, inventory.MovementFilter{OrderID: o.ID, Kinds: []inventory.MovementKind{inventory.KindEstorno}})
	require.NoError(t, err)
	assert.Len(t, movements, 5)
}

func TestCancelAcceptsEnglishAlias(t *testing.T) {
	f := newFixture(t, 0)
	o := f.create(t, false, false, 1)
	ev, err := f.step(o.ID, orders.Status("cancelled"))
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, ev.Status)
	assert.Equal(t, orders.Status("cancelado"), ev.Status)
	assert.True(t, ev.Status.IsTerminal())
}

func TestConsignmentOrderReturned(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	o := f.create(t, false, true, 2)
	assert.Equal(t, orders.TypeConsignment, o.Type)

	f.walk(t, o.ID, orders.StatusWarehouseDelivery, orders.StatusCustomerShipmentForecast, orders.StatusCustomerShipment, orders.StatusConsigned)
	assert.Equal(t, int64(3), f.balance(t))
	assert.Equal(t, int64(3), f.available(t), "reservation released when goods leave")

	list, err := f.consignments.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, consignment.StatusPending, list[0].Status)

	f.walk(t, o.ID, orders.StatusConsignmentReturn)
	assert.Equal(t, int64(5), f.balance(t))
	status, err := f.consignments.StatusOf(ctx, list[0].ID)
	require.NoError(t, err)
	assert.Equal(t, consignment.StatusReturned, status)
}

func TestConsignmentOrderFinalizedConfirmsPurchase(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	o := f.create(t, false, true, 2)
	f.walk(t, o.ID, orders.StatusWarehouseDelivery, orders.StatusCustomerShipmentForecast, orders.StatusCustomerShipment, orders.StatusConsigned, orders.StatusFinalized)

	list, err := f.consignments.ListByOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, consignment.StatusPurchased, list[0].Status)
	assert.Equal(t, int64(3), f.balance(t))
}

func TestCancelConsignedOrderBringsGoodsBack(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()
	o := f.create(t, false, true, 2)
	f.walk(t, o.ID, orders.StatusWarehouseDelivery, orders.StatusCustomerShipmentForecast, orders.StatusCustomerShipment, orders.StatusConsigned, orders.StatusCancelled)

	assert.Equal(t, int64(5), f.balance(t))
	discrepancies, err := f.ledger.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestFactoryPartialDelivery(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	fo, err := f.service.CreateFactoryOrder(ctx, orders.CreateFactoryOrderInput{
		SupplierRef: "FAB-7", ActorID: actor,
		Items: []orders.FactoryItemInput{{VariantID: variant, Quantity: 4}, {VariantID: variant + 1, Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryPending, fo.Status)
	assert.Equal(t, warehouse, fo.WarehouseID)

	fo, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: fo.Items[0].ID, Quantity: 3, DeliveredAt: orderDate, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryPartial, fo.Status)

	_, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: fo.Items[0].ID, Quantity: 2, ActorID: actor})
	require.ErrorIs(t, err, orders.ErrOverDelivery)

	fo, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: fo.Items[0].ID, Quantity: 1, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryPartial, fo.Status)
	fo, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: fo.Items[1].ID, Quantity: 1, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryDelivered, fo.Status)

	stored, err := f.service.FactoryOrder(ctx, fo.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.DeliveryDelivered, stored.Status)
	assert.Equal(t, int64(4), stored.Items[0].QuantityDelivered)

	history, err := f.service.FactoryHistory(ctx, fo.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []orders.DeliveryStatus{orders.DeliveryPending, orders.DeliveryPartial, orders.DeliveryDelivered},
		[]orders.DeliveryStatus{history[0].Status, history[1].Status, history[2].Status})
	assert.Equal(t, int64(4), f.balance(t))

	_, err = f.service.RegisterDelivery(ctx, orders.RegisterDeliveryInput{FactoryItemID: 99, Quantity: 1, ActorID: actor})
	assert.ErrorIs(t, err, orders.ErrFactoryOrderNotFound)
}

func TestFlowsOnlyMoveForward(t *testing.T) {
	for _, typ := range []orders.Type{orders.TypeStandard, orders.TypeStock, orders.TypeConsignment} {
		t.Run(string(typ), func(t *testing.T) {
			flow := orders.Flow(typ)
			index := make(map[orders.Status]int, len(flow))
			for i, s := range flow {
				index[s] = i
			}
			for _, from := range flow {
				for _, to := range orders.NextStatuses(typ, from) {
					if to == orders.StatusCancelled {
						continue
					}
					assert.Greater(t, index[to], index[from], "%s -> %s", from, to)
				}
				if !from.IsTerminal() {
					assert.True(t, orders.CanTransition(typ, from, orders.StatusCancelled))
				}
			}
			assert.Empty(t, orders.NextStatuses(typ, orders.StatusCancelled))
		})
	}
}

func TestDeriveTypePrecedence(t *testing.T) {
	assert.Equal(t, orders.TypeConsignment, orders.DeriveType(true, true))
	assert.Equal(t, orders.TypeStock, orders.DeriveType(true, false))
	assert.Equal(t, orders.TypeStandard, orders.DeriveType(false, false))
}
