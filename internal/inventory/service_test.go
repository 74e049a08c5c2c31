package inventory_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/shared"
	"github.com/mobilia-erp/backoffice/internal/store/memory"
)

const (
	actor   int64 = 7
	variant int64 = 100
	depot   int64 = 1
	store2  int64 = 2
)

type recorder struct {
	mu       sync.Mutex
	recorded []string
	rejected []string
}

func (r *recorder) MovementRecorded(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorded = append(r.recorded, kind)
}

func (r *recorder) MovementRejected(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, reason)
}

type fixture struct {
	store   *memory.Store
	chain   *audit.Chain
	metrics *recorder
	service *inventory.Service
}

type heldStock map[inventory.BalanceKey]int64

func (h heldStock) SumPendingActive(_ context.Context, variantID, warehouseID int64) (int64, error) {
	return h[inventory.BalanceKey{VariantID: variantID, WarehouseID: warehouseID}], nil
}

func newFixture(t *testing.T, batchSize int) fixture {
	t.Helper()
	return newFixtureWith(t, inventory.ServiceConfig{ImportBatchSize: batchSize})
}

func newFixtureWith(t *testing.T, cfg inventory.ServiceConfig) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	chain := audit.NewChain(store.Audit(), logger)
	metrics := &recorder{}
	return fixture{
		store:   store,
		chain:   chain,
		metrics: metrics,
		service: inventory.NewService(store.Inventory(), chain, store.Idempotency(), metrics, logger, cfg),
	}
}

func (f fixture) stockIn(t *testing.T, warehouse, qty int64) inventory.Movement {
	t.Helper()
	mv, err := f.service.RecordMovement(context.Background(), inventory.MovementInput{
		Kind: inventory.KindEntrada, VariantID: variant, DestWarehouseID: warehouse, Quantity: qty, ActorID: actor,
	})
	require.NoError(t, err)
	return mv
}

func (f fixture) balance(t *testing.T, warehouse int64) int64 {
	t.Helper()
	qty, err := f.service.BalanceOf(context.Background(), variant, warehouse)
	require.NoError(t, err)
	return qty
}

func TestRecordMovementValidatesShape(t *testing.T) {
	f := newFixture(t, 0)
	cases := []struct {
		name  string
		input inventory.MovementInput
		want  error
	}{
		{"inflow with origin", inventory.MovementInput{Kind: inventory.KindEntrada, VariantID: variant, OriginWarehouseID: depot, DestWarehouseID: store2, Quantity: 1, ActorID: actor}, inventory.ErrInvalidMovement},
		{"outflow without origin", inventory.MovementInput{Kind: inventory.KindSaida, VariantID: variant, DestWarehouseID: depot, Quantity: 1, ActorID: actor}, inventory.ErrInvalidMovement},
		{"transfer to itself", inventory.MovementInput{Kind: inventory.KindTransferencia, VariantID: variant, OriginWarehouseID: depot, DestWarehouseID: depot, Quantity: 1, ActorID: actor}, inventory.ErrInvalidMovement},
		{"direct estorno", inventory.MovementInput{Kind: inventory.KindEstorno, VariantID: variant, OriginWarehouseID: depot, DestWarehouseID: store2, Quantity: 1, ActorID: actor}, inventory.ErrInvalidMovement},
		{"unknown kind", inventory.MovementInput{Kind: "PERDA", VariantID: variant, OriginWarehouseID: depot, Quantity: 1, ActorID: actor}, inventory.ErrInvalidMovement},
		{"zero quantity", inventory.MovementInput{Kind: inventory.KindEntrada, VariantID: variant, DestWarehouseID: depot, ActorID: actor}, inventory.ErrInvalidMovement},
		{"missing actor", inventory.MovementInput{Kind: inventory.KindEntrada, VariantID: variant, DestWarehouseID: depot, Quantity: 1}, shared.ErrActorRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.RecordMovement(context.Background(), tc.input)
			require.ErrorIs(t, err, tc.want)
		})
	}

	movements, err := f.service.Movements(context.Background(), inventory.MovementFilter{VariantID: variant})
	require.NoError(t, err)
	assert.Empty(t, movements)
	assert.Len(t, f.metrics.rejected, 6, "actor errors are not ledger rejections")
}

func TestOutflowNeverDrivesBalanceNegative(t *testing.T) {
	f := newFixture(t, 0)
	f.stockIn(t, depot, 5)

	_, err := f.service.RecordMovement(context.Background(), inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 6, ActorID: actor,
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, int64(5), f.balance(t, depot))
	assert.Equal(t, []string{"insufficient_stock"}, f.metrics.rejected)

	_, err = f.service.RecordMovement(context.Background(), inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 5, ActorID: actor,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.balance(t, depot))
	assert.Equal(t, []string{"ENTRADA", "SAIDA"}, f.metrics.recorded)
}

func TestTransferKeepsTotalAndSetsEntryIndicator(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.stockIn(t, depot, 10)
	at := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

	_, err := f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindTransferencia, VariantID: variant, OriginWarehouseID: depot, DestWarehouseID: store2,
		Quantity: 4, OccurredAt: at, ActorID: actor,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(6), f.balance(t, depot))
	assert.Equal(t, int64(4), f.balance(t, store2))
	total, err := f.service.TotalBalance(ctx, variant)
	require.NoError(t, err)
	assert.Equal(t, int64(10), total)

	balances, err := f.service.Balances(ctx, variant)
	require.NoError(t, err)
	require.Len(t, balances, 2)
	for _, b := range balances {
		if b.WarehouseID == store2 {
			require.NotNil(t, b.CurrentEntryAt)
			assert.True(t, at.Equal(*b.CurrentEntryAt))
		}
	}
}

func TestCustomerDeliverySetsLastSale(t *testing.T) {
	f := newFixture(t, 0)
	f.stockIn(t, depot, 3)
	at := time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)

	_, err := f.service.RecordMovement(context.Background(), inventory.MovementInput{
		Kind: inventory.KindCustomerDelivery, VariantID: variant, OriginWarehouseID: depot, Quantity: 1,
		OccurredAt: at, ActorID: actor, Correlation: inventory.Correlation{OrderID: 42},
	})
	require.NoError(t, err)

	balances, err := f.service.Balances(context.Background(), variant)
	require.NoError(t, err)
	require.Len(t, balances, 1)
	require.NotNil(t, balances[0].LastSaleAt)
	assert.True(t, at.Equal(*balances[0].LastSaleAt))

	byOrder, err := f.service.Movements(context.Background(), inventory.MovementFilter{OrderID: 42})
	require.NoError(t, err)
	require.Len(t, byOrder, 1)
	assert.Equal(t, inventory.KindCustomerDelivery, byOrder[0].Kind)
}

func TestReverseMovement(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	entry := f.stockIn(t, depot, 10)
	out, err := f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 3, ActorID: actor,
	})
	require.NoError(t, err)

	rev, err := f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: out.ID, ActorID: actor, Note: "typo"})
	require.NoError(t, err)
	assert.Equal(t, inventory.KindEstorno, rev.Kind)
	assert.Equal(t, out.ID, rev.ReversesID)
	assert.Equal(t, depot, rev.DestWarehouseID)
	assert.Zero(t, rev.OriginWarehouseID)
	assert.Equal(t, int64(10), f.balance(t, depot))

	_, err = f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: out.ID, ActorID: actor})
	require.ErrorIs(t, err, inventory.ErrNotReversible)
	_, err = f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: rev.ID, ActorID: actor})
	require.ErrorIs(t, err, inventory.ErrNotReversible)
	_, err = f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: 999, ActorID: actor})
	require.ErrorIs(t, err, inventory.ErrMovementNotFound)

	_, err = f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 8, ActorID: actor,
	})
	require.NoError(t, err)
	_, err = f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: entry.ID, ActorID: actor})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	events, err := f.chain.Subject(ctx, "stock_movement", "3")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionReversal, events[0].Action)
}

func TestOutflowsLeaveReservedStockAlone(t *testing.T) {
	held := heldStock{{VariantID: variant, WarehouseID: depot}: 6}
	f := newFixtureWith(t, inventory.ServiceConfig{Reserved: held})
	ctx := context.Background()
	f.stockIn(t, depot, 10)

	for _, input := range []inventory.MovementInput{
		{Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 5, ActorID: actor},
		{Kind: inventory.KindTransferencia, VariantID: variant, OriginWarehouseID: depot, DestWarehouseID: store2, Quantity: 5, ActorID: actor},
		{Kind: inventory.KindConsignmentSend, VariantID: variant, OriginWarehouseID: depot, Quantity: 5, ActorID: actor, Correlation: inventory.Correlation{ConsignmentID: 1}},
	} {
		_, err := f.service.RecordMovement(ctx, input)
		require.ErrorIs(t, err, inventory.ErrInsufficientStock, "%s", input.Kind)
	}
	assert.Equal(t, int64(10), f.balance(t, depot))

	_, err := f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 4, ActorID: actor,
	})
	require.NoError(t, err)
	_, err = f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: 6, ActorID: actor,
		Correlation: inventory.Correlation{ReservationID: 1},
	})
	require.NoError(t, err, "a reservation consumes its own units")
	assert.Zero(t, f.balance(t, depot))
}

func TestOwnedMovementsOnlyReversedByCompensation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.stockIn(t, depot, 10)
	sent, err := f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindConsignmentSend, VariantID: variant, OriginWarehouseID: depot, Quantity: 4, ActorID: actor,
		Correlation: inventory.Correlation{OrderID: 5, ConsignmentID: 2},
	})
	require.NoError(t, err)
	consumed, err := f.service.RecordMovement(ctx, inventory.MovementInput{
		Kind: inventory.KindCustomerDelivery, VariantID: variant, OriginWarehouseID: depot, Quantity: 1, ActorID: actor,
		Correlation: inventory.Correlation{OrderID: 5, ReservationID: 3},
	})
	require.NoError(t, err)

	for _, id := range []int64{sent.ID, consumed.ID} {
		_, err := f.service.ReverseMovement(ctx, inventory.ReverseInput{MovementID: id, ActorID: actor})
		require.ErrorIs(t, err, inventory.ErrNotReversible)
	}
	assert.Equal(t, int64(5), f.balance(t, depot))

	rev, err := f.service.CompensateMovement(ctx, inventory.ReverseInput{MovementID: consumed.ID, ActorID: actor})
	require.NoError(t, err)
	assert.Equal(t, consumed.Correlation, rev.Correlation)
	assert.Equal(t, int64(6), f.balance(t, depot))
	_, err = f.service.CompensateMovement(ctx, inventory.ReverseInput{MovementID: consumed.ID, ActorID: actor})
	require.ErrorIs(t, err, inventory.ErrNotReversible)
}

func TestMovementsPageWithOffset(t *testing.T) {
	f := newFixture(t, 0)
	for range 5 {
		f.stockIn(t, depot, 1)
	}
	page, err := f.service.Movements(context.Background(), inventory.MovementFilter{VariantID: variant, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(5), page[0].ID)
}

func TestReconcileReportsTamperedBalance(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.stockIn(t, depot, 10)

	clean, err := f.service.Reconcile(ctx, variant)
	require.NoError(t, err)
	assert.Empty(t, clean)

	err = f.store.Inventory().WithTx(ctx, func(ctx context.Context, tx inventory.TxRepository) error {
		bal, err := tx.GetBalanceForUpdate(ctx, variant, depot)
		if err != nil {
			return err
		}
		bal.Quantity = 99
		return tx.UpsertBalance(ctx, bal)
	})
	require.NoError(t, err)

	found, err := f.service.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, inventory.Discrepancy{VariantID: variant, WarehouseID: depot, Materialized: 99, Replayed: 10}, found[0])
}

func TestImportMovementsStopsAtFailingBatch(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	in := func(key string, qty int64) inventory.ImportRow {
		return inventory.ImportRow{Key: key, Input: inventory.MovementInput{
			Kind: inventory.KindEntrada, VariantID: variant, DestWarehouseID: depot, Quantity: qty, ActorID: actor,
		}}
	}
	out := func(key string, qty int64) inventory.ImportRow {
		return inventory.ImportRow{Key: key, Input: inventory.MovementInput{
			Kind: inventory.KindSaida, VariantID: variant, OriginWarehouseID: depot, Quantity: qty, ActorID: actor,
		}}
	}
	rows := []inventory.ImportRow{in("a", 5), in("b", 1), in("c", 2), out("d", 50), in("e", 1)}

	result, err := f.service.ImportMovements(ctx, rows)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, inventory.ImportResult{Batches: 1, Committed: 2, FailedRow: 3}, result)
	assert.Equal(t, int64(6), f.balance(t, depot), "the failing batch rolls back alone")

	rows[3] = out("d", 4)
	result, err = f.service.ImportMovements(ctx, rows)
	require.NoError(t, err)
	assert.Equal(t, inventory.ImportResult{Batches: 3, Committed: 3, Skipped: 2, FailedRow: -1}, result)
	assert.Equal(t, int64(5), f.balance(t, depot))
}

func TestLockBalanceRequiresUnit(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.service.LockBalance(context.Background(), variant, depot)
	require.ErrorIs(t, err, db.ErrNoUnit)

	err = f.store.WithinTx(context.Background(), func(ctx context.Context) error {
		bal, err := f.service.LockBalance(ctx, variant, depot)
		require.NoError(t, err)
		assert.Zero(t, bal.Quantity)
		return nil
	})
	require.NoError(t, err)
}

func TestMovementsRequiresScope(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.service.Movements(context.Background(), inventory.MovementFilter{})
	require.ErrorIs(t, err, inventory.ErrInvalidMovement)

	f.stockIn(t, depot, 2)
	f.stockIn(t, store2, 3)
	entries, err := f.service.Movements(context.Background(), inventory.MovementFilter{VariantID: variant, WarehouseID: store2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Quantity)
}
