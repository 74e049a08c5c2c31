package e2e

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/reservation"
)

const actor int64 = 7

func TestConcurrentOutflowsNeverOverdraw(t *testing.T) {
	h := newHarness(t)
	ledger := h.services.Ledger
	h.stockIn(variantV, warehouseA, 50)

	var ok, rejected atomic.Int64
	var g errgroup.Group
	for range 25 {
		g.Go(func() error {
			_, err := ledger.RecordMovement(context.Background(), inventory.MovementInput{
				Kind: inventory.KindSaida, VariantID: variantV, OriginWarehouseID: warehouseA, Quantity: 3, ActorID: actor,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				rejected.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(16), ok.Load())
	assert.Equal(t, int64(9), rejected.Load())
	assert.Equal(t, int64(2), h.balance(variantV, warehouseA))

	out, err := ledger.Reconcile(context.Background(), variantV)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestConcurrentReservationsStayWithinBalance(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 10)
	res := h.services.Reservations

	var granted, shipped atomic.Int64
	var ids sync.Map
	var g errgroup.Group
	for i := range 12 {
		g.Go(func() error {
			r, err := res.Reserve(context.Background(), reservation.ReserveInput{
				VariantID: variantV, WarehouseID: warehouseA, OrderItemID: int64(i + 1), Quantity: 3, ActorID: actor,
			})
			if errors.Is(err, reservation.ErrInsufficientAvailability) {
				return nil
			}
			if err == nil {
				granted.Add(1)
				ids.Store(r.ID, true)
			}
			return err
		})
	}
	for range 6 {
		g.Go(func() error {
			_, err := h.services.Ledger.RecordMovement(context.Background(), inventory.MovementInput{
				Kind: inventory.KindSaida, VariantID: variantV, OriginWarehouseID: warehouseA, Quantity: 2, ActorID: actor,
			})
			if errors.Is(err, inventory.ErrInsufficientStock) {
				return nil
			}
			if err == nil {
				shipped.Add(1)
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.LessOrEqual(t, granted.Load()*3+shipped.Load()*2, int64(10))

	available, err := res.Available(context.Background(), variantV, warehouseA)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, available, int64(0))
	assert.Equal(t, 10-granted.Load()*3-shipped.Load()*2, available)

	ids.Range(func(key, _ any) bool {
		_, err := res.Consume(context.Background(), reservation.ConsumeInput{ReservationID: key.(int64), Quantity: 3, ActorID: actor})
		assert.NoError(t, err, "granted reservation %d stays consumable", key)
		return true
	})
	assert.Equal(t, 10-granted.Load()*3-shipped.Load()*2, h.balance(variantV, warehouseA))
}

func TestMixedWorkloadReconcilesAndVerifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ledger := h.services.Ledger
	const warehouseB int64 = 2

	h.stockIn(variantV, warehouseA, 20)
	h.stockIn(variantV+1, warehouseB, 6)

	var g errgroup.Group
	for i := range 10 {
		g.Go(func() error {
			kind, origin, dest := inventory.KindTransferencia, warehouseA, warehouseB
			if i%2 == 1 {
				origin, dest = warehouseB, warehouseA
			}
			_, err := ledger.RecordMovement(ctx, inventory.MovementInput{
				Kind: kind, VariantID: variantV, OriginWarehouseID: origin, DestWarehouseID: dest, Quantity: 1, ActorID: actor,
			})
			if errors.Is(err, inventory.ErrInsufficientStock) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		_, err := ledger.RecordMovement(ctx, inventory.MovementInput{
			Kind: inventory.KindSaida, VariantID: variantV + 1, OriginWarehouseID: warehouseB, Quantity: 4, ActorID: actor,
		})
		return err
	})
	require.NoError(t, g.Wait())

	movements, err := ledger.Movements(ctx, inventory.MovementFilter{VariantID: variantV + 1})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	_, err = ledger.ReverseMovement(ctx, inventory.ReverseInput{MovementID: movements[1].ID, ActorID: actor, Note: "lançamento duplicado"})
	require.NoError(t, err)
	_, err = ledger.ReverseMovement(ctx, inventory.ReverseInput{MovementID: movements[1].ID, ActorID: actor})
	assert.ErrorIs(t, err, inventory.ErrNotReversible)

	total, err := ledger.TotalBalance(ctx, variantV)
	require.NoError(t, err)
	assert.Equal(t, int64(20), total, "transfers conserve stock")
	assert.Equal(t, int64(6), h.balance(variantV+1, warehouseB))

	out, err := ledger.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, out)

	result, err := h.services.Chain.VerifyChain(ctx, audit.VerifyRange{})
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.GreaterOrEqual(t, result.Checked, 9)
}

func TestConsignmentConservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	svc := h.services.Consignments
	h.stockIn(variantV, warehouseA, 30)

	sends := []int64{5, 4, 6}
	returns := [][]int64{{2, 3}, {1}, {}}
	var ids []int64
	for _, qty := range sends {
		c, err := svc.Send(ctx, consignment.SendInput{VariantID: variantV, WarehouseID: warehouseA, Quantity: qty, ActorID: actor})
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	for i, list := range returns {
		for _, qty := range list {
			_, err := svc.RegisterReturn(ctx, consignment.ReturnInput{ConsignmentID: ids[i], Quantity: qty, ActorID: actor})
			require.NoError(t, err)
		}
	}
	_, err := svc.ConfirmPurchase(ctx, ids[2], actor, time.Now())
	require.NoError(t, err)

	var outstanding int64
	for _, id := range ids {
		c, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.Returned, c.Quantity)
		assert.Equal(t, consignment.DeriveStatus(c.Quantity, c.Returned, c.PurchasedAt), c.Status)
		outstanding += c.Quantity - c.Returned
	}
	assert.Equal(t, int64(30)-outstanding, h.balance(variantV, warehouseA))

	_, err = svc.RegisterReturn(ctx, consignment.ReturnInput{ConsignmentID: ids[2], Quantity: 1, ActorID: actor})
	assert.ErrorIs(t, err, consignment.ErrClosed)

	out, err := h.services.Ledger.Reconcile(ctx, variantV)
	require.NoError(t, err)
	assert.Empty(t, out)
}
