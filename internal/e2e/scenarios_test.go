package e2e

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	variantV   int64 = 900
	warehouseA int64 = 1
)

func pathf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}

func TestOutflowDrainsThenRejects(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 10)

	saida := map[string]any{"kind": "SAIDA", "variant_id": variantV, "origin_warehouse_id": warehouseA, "quantity": 10}
	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, "/inventory/movements", saida, nil))
	assert.Equal(t, int64(0), h.balance(variantV, warehouseA))

	saida["quantity"] = 1
	var p problem
	require.Equal(t, http.StatusConflict, h.call(http.MethodPost, "/inventory/movements", saida, &p))
	assert.Equal(t, "Insufficient Stock", p.Title)
	assert.Equal(t, int64(0), h.balance(variantV, warehouseA))
}

func TestReservationsAgainstAvailability(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 10)

	var first idResponse
	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, "/reservations/", map[string]any{
		"variant_id": variantV, "warehouse_id": warehouseA, "order_item_id": 1, "quantity": 4,
	}, &first))

	var avail struct {
		Available int64 `json:"available"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, pathf("/reservations/availability/%d/%d", variantV, warehouseA), nil, &avail))
	assert.Equal(t, int64(6), avail.Available)

	var p problem
	require.Equal(t, http.StatusConflict, h.call(http.MethodPost, "/reservations/", map[string]any{
		"variant_id": variantV, "warehouse_id": warehouseA, "order_item_id": 2, "quantity": 7,
	}, &p))
	assert.Equal(t, "Insufficient Availability", p.Title)

	var consumed idResponse
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, pathf("/reservations/%d/consume", first.ID), map[string]any{"quantity": 4}, &consumed))
	assert.Equal(t, "consumed", consumed.Status)
	assert.Equal(t, int64(6), h.balance(variantV, warehouseA))

	var movements []struct {
		Kind string `json:"kind"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, pathf("/inventory/movements?variant_id=%d", variantV), nil, &movements))
	require.Len(t, movements, 2)
	assert.Equal(t, "SAIDA", movements[1].Kind)
}

func TestConsignmentReturnsUpToSent(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 8)

	var c idResponse
	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, "/consignments/", map[string]any{
		"variant_id": variantV, "warehouse_id": warehouseA, "quantity": 5, "sent_at": "2026-02-06T15:00:00Z",
	}, &c))
	assert.Equal(t, "pending", c.Status)
	assert.Equal(t, int64(3), h.balance(variantV, warehouseA))

	ret := pathf("/consignments/%d/returns", c.ID)
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, ret, map[string]any{"quantity": 2}, &c))
	assert.Equal(t, "partial", c.Status)
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, ret, map[string]any{"quantity": 3}, &c))
	assert.Equal(t, "returned", c.Status)

	var p problem
	assert.Equal(t, http.StatusUnprocessableEntity, h.call(http.MethodPost, ret, map[string]any{"quantity": 1}, &p))
	assert.Equal(t, "Return Exceeds Sent", p.Title)
	assert.Equal(t, int64(8), h.balance(variantV, warehouseA))
}

func TestStockOrderRejectsFactoryStatus(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 3)

	var order idResponse
	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, "/orders/", map[string]any{
		"customer_id": 1, "salesperson_id": 2, "fulfilled_from_stock": true,
		"order_date": "2026-02-06T09:00:00Z", "lead_time_days": 1,
		"items": []map[string]any{{"variant_id": variantV, "quantity": 2, "unit_price": "2599.00"}},
	}, &order))

	var p problem
	require.Equal(t, http.StatusConflict, h.call(http.MethodPost, pathf("/orders/%d/status", order.ID), map[string]any{
		"status": "sent_to_factory", "occurred_at": "2026-02-06T10:00:00Z",
	}, &p))
	assert.Equal(t, "Invalid Transition", p.Title)
	assert.NotContains(t, p.Allowed, "sent_to_factory")
	assert.Contains(t, p.Allowed, "cancelado")

	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, pathf("/orders/%d/status", order.ID), map[string]any{
		"status": "cancelado", "occurred_at": "2026-02-06T11:00:00Z",
	}, nil))

	var current struct {
		Status string `json:"status"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, pathf("/orders/%d/status", order.ID), nil, &current))
	assert.Equal(t, "cancelado", current.Status)

	var avail struct {
		Available int64 `json:"available"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, pathf("/reservations/availability/%d/%d", variantV, warehouseA), nil, &avail))
	assert.Equal(t, int64(3), avail.Available, "cancel releases the reservation")
}

func TestDueDateAndLateSituation(t *testing.T) {
	h := newHarness(t)

	var order struct {
		ID      int64  `json:"id"`
		DueDate string `json:"due_date"`
	}
	require.Equal(t, http.StatusCreated, h.call(http.MethodPost, "/orders/", map[string]any{
		"customer_id": 1, "salesperson_id": 2,
		"order_date": "2026-02-06T09:00:00Z", "lead_time_days": 1,
		"items": []map[string]any{{"variant_id": variantV, "quantity": 1, "unit_price": "999.90"}},
	}, &order))
	assert.Equal(t, "2026-02-09", order.DueDate[:10])

	var situation struct {
		Situation string `json:"situacao_entrega"`
		DueDate   string `json:"data_limite_entrega"`
		DaysLate  int    `json:"dias_atraso"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, pathf("/orders/%d/situation?date=2026-02-10", order.ID), nil, &situation))
	assert.Equal(t, "Atrasado", situation.Situation)
	assert.Equal(t, 1, situation.DaysLate)
	assert.Equal(t, "2026-02-09", situation.DueDate[:10])
}

func TestAuditTrailOverHTTP(t *testing.T) {
	h := newHarness(t)
	h.stockIn(variantV, warehouseA, 4)
	h.stockIn(variantV, warehouseA, 1)

	var verification struct {
		Valid   bool `json:"valid"`
		Checked int  `json:"checked"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodPost, "/audit/verify", map[string]any{}, &verification))
	assert.True(t, verification.Valid)
	assert.Equal(t, 2, verification.Checked)

	var events []struct {
		ActorID int64  `json:"actor_id"`
		Action  string `json:"action"`
	}
	require.Equal(t, http.StatusOK, h.call(http.MethodGet, "/audit/subjects/stock_movement/2", nil, &events))
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].ActorID)
}
