package inventory

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobilia-erp/backoffice/internal/platform/httpx"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// ErrorRules maps ledger errors to HTTP statuses.
var ErrorRules = []httpx.Rule{
	{Err: ErrInvalidMovement, Status: http.StatusBadRequest, Title: "Invalid Movement"},
	{Err: ErrInsufficientStock, Status: http.StatusConflict, Title: "Insufficient Stock"},
	{Err: ErrNotReversible, Status: http.StatusConflict, Title: "Not Reversible"},
	{Err: ErrMovementNotFound, Status: http.StatusNotFound, Title: "Not Found"},
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/movements", h.handleListMovements)
	r.Post("/movements", h.handleRecordMovement)
	r.Post("/movements/{id}/reverse", h.handleReverse)
	r.Post("/imports", h.handleImport)
	r.Get("/balances/{variantID}", h.handleBalances)
	r.Get("/balances/{variantID}/{warehouseID}", h.handleBalance)
	r.Get("/reconcile", h.handleReconcile)
}

type movementRequest struct {
	Kind              MovementKind `json:"kind" validate:"required"`
	VariantID         int64        `json:"variant_id" validate:"required,gt=0"`
	OriginWarehouseID int64        `json:"origin_warehouse_id" validate:"gte=0"`
	DestWarehouseID   int64        `json:"dest_warehouse_id" validate:"gte=0"`
	Quantity          int64        `json:"quantity" validate:"required,gt=0"`
	OccurredAt        time.Time    `json:"occurred_at"`
	Correlation       Correlation  `json:"correlation"`
	Note              string       `json:"note" validate:"max=500"`
}

func (req movementRequest) input(actorID int64) MovementInput {
	return MovementInput{
		Kind:              req.Kind,
		VariantID:         req.VariantID,
		OriginWarehouseID: req.OriginWarehouseID,
		DestWarehouseID:   req.DestWarehouseID,
		Quantity:          req.Quantity,
		OccurredAt:        req.OccurredAt,
		ActorID:           actorID,
		Correlation:       req.Correlation,
		Note:              req.Note,
	}
}

type reverseRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type importRequest struct {
	Rows []struct {
		Key      string          `json:"key" validate:"max=120"`
		Movement movementRequest `json:"movement"`
	} `json:"rows" validate:"required,min=1,dive"`
}

type balancesResponse struct {
	VariantID int64     `json:"variant_id"`
	Total     int64     `json:"total"`
	Balances  []Balance `json:"balances"`
}

func (h *Handler) handleRecordMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err, ErrorRules...)
		return
	}
	mv, err := h.service.RecordMovement(r.Context(), req.input(shared.ActorFromContext(r.Context())))
	if err != nil {
		h.respondError(w, "record movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mv)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reverseRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	mv, err := h.service.ReverseMovement(r.Context(), ReverseInput{MovementID: id, ActorID: shared.ActorFromContext(r.Context()), Note: req.Note})
	if err != nil {
		h.respondError(w, "reverse movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, mv)
}

func (h *Handler) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor := shared.ActorFromContext(r.Context())
	rows := make([]ImportRow, len(req.Rows))
	for i, row := range req.Rows {
		rows[i] = ImportRow{Key: row.Key, Input: row.Movement.input(actor)}
	}
	result, err := h.service.ImportMovements(r.Context(), rows)
	if err != nil {
		h.logger.Warn("stock import stopped", slog.Int("failed_row", result.FailedRow), slog.Any("error", err))
		httpx.JSON(w, http.StatusUnprocessableEntity, map[string]any{"result": result, "error": err.Error()})
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleListMovements(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.QueryInt64(r, "variant_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	warehouseID, err := httpx.QueryInt64(r, "warehouse_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	orderID, err := httpx.QueryInt64(r, "order_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	from, err := httpx.QueryDate(r, "from")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	to, err := httpx.QueryDate(r, "to")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	offset, err := httpx.QueryInt64(r, "offset")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if !to.IsZero() {
		// Set to end of day
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	movements, err := h.service.Movements(r.Context(), MovementFilter{VariantID: variantID, WarehouseID: warehouseID, OrderID: orderID, From: from, To: to, Offset: int(offset)})
	if err != nil {
		h.respondError(w, "list movements", err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.PathInt64(r, "variantID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	balances, err := h.service.Balances(r.Context(), variantID)
	if err != nil {
		h.respondError(w, "list balances", err)
		return
	}
	resp := balancesResponse{VariantID: variantID, Balances: balances}
	for _, b := range balances {
		resp.Total += b.Quantity
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.PathInt64(r, "variantID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	warehouseID, err := httpx.PathInt64(r, "warehouseID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	qty, err := h.service.BalanceOf(r.Context(), variantID, warehouseID)
	if err != nil {
		h.respondError(w, "get balance", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"variant_id": variantID, "warehouse_id": warehouseID, "quantity": qty})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	variantID, err := httpx.QueryInt64(r, "variant_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out, err := h.service.Reconcile(r.Context(), variantID)
	if err != nil {
		h.respondError(w, "reconcile", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(out) == 0, "discrepancies": out})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	httpx.RespondError(w, err, ErrorRules...)
}
