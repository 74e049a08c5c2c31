package e2e

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobilia-erp/backoffice/internal/app"
	"github.com/mobilia-erp/backoffice/internal/store/memory"
	_ "github.com/mobilia-erp/backoffice/internal/testing/guard"
)

const actorHeader = "7"

type harness struct {
	t        *testing.T
	router   http.Handler
	services *app.Services
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &app.Config{
		StorageDriver:           app.StorageMemory,
		RateLimitPerMin:         100000,
		LeadTimeDaysDefault:     60,
		HomeState:               "SP",
		Timezone:                "UTC",
		DefaultWarehouseID:      1,
		ConsignmentResponseDays: 10,
		ImportBatchSize:         50,
	}
	cal, err := app.NewCalendar(cfg, nil, logger)
	require.NoError(t, err)
	services := app.NewServices(app.MemoryBackend(memory.New()), cfg, cal, nil, logger)
	params := app.HandlerParams(services, logger)
	params.Config = cfg
	return &harness{t: t, router: app.NewRouter(params), services: services}
}

// call sends body as JSON and decodes the response into out when non-nil.
func (h *harness) call(method, path string, body any, out any) int {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(app.ActorHeader, actorHeader)
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	if out != nil {
		require.NoError(h.t, json.Unmarshal(rr.Body.Bytes(), out), rr.Body.String())
	}
	return rr.Code
}

type problem struct {
	Title   string   `json:"title"`
	Status  int      `json:"status"`
	Detail  string   `json:"detail"`
	Allowed []string `json:"allowed"`
}

type idResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

func (h *harness) stockIn(variant, warehouse, qty int64) {
	h.t.Helper()
	code := h.call(http.MethodPost, "/inventory/movements", map[string]any{
		"kind": "ENTRADA", "variant_id": variant, "dest_warehouse_id": warehouse, "quantity": qty,
	}, nil)
	require.Equal(h.t, http.StatusCreated, code)
}

func (h *harness) balance(variant, warehouse int64) int64 {
	h.t.Helper()
	var out struct {
		Quantity int64 `json:"quantity"`
	}
	require.Equal(h.t, http.StatusOK, h.call(http.MethodGet, pathf("/inventory/balances/%d/%d", variant, warehouse), nil, &out))
	return out.Quantity
}
