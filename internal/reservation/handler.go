package reservation

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/platform/httpx"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

// Handler exposes reservation endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs the reservation handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// ErrorRules maps reservation errors to HTTP statuses.
var ErrorRules = []httpx.Rule{
	{Err: ErrInvalidInput, Status: http.StatusBadRequest, Title: "Invalid Reservation"},
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrInsufficientAvailability, Status: http.StatusConflict, Title: "Insufficient Availability"},
	{Err: ErrOverConsumption, Status: http.StatusConflict, Title: "Over Consumption"},
	{Err: ErrNotActive, Status: http.StatusConflict, Title: "Reservation Not Active"},
	{Err: ErrNotExpired, Status: http.StatusConflict, Title: "Reservation Not Expired"},
}

// MountRoutes registers reservation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleListByOrder)
	r.Post("/", h.handleReserve)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/consume", h.handleConsume)
	r.Post("/{id}/cancel", h.handleCancel)
	r.Get("/items/{itemID}/pending", h.handlePending)
	r.Get("/availability/{variantID}/{warehouseID}", h.handleAvailable)
}

type reserveRequest struct {
	VariantID   int64      `json:"variant_id" validate:"required,gt=0"`
	WarehouseID int64      `json:"warehouse_id" validate:"required,gt=0"`
	OrderID     int64      `json:"order_id" validate:"gte=0"`
	OrderItemID int64      `json:"order_item_id" validate:"required,gt=0"`
	Quantity    int64      `json:"quantity" validate:"required,gt=0"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Reason      string     `json:"reason" validate:"max=255"`
}

type consumeRequest struct {
	Quantity   int64                  `json:"quantity" validate:"required,gt=0"`
	Kind       inventory.MovementKind `json:"kind"`
	OccurredAt time.Time              `json:"occurred_at"`
	Note       string                 `json:"note" validate:"max=500"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err, ErrorRules...)
		return
	}
	res, err := h.service.Reserve(r.Context(), ReserveInput{
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		OrderID:     req.OrderID,
		OrderItemID: req.OrderItemID,
		Quantity:    req.Quantity,
		ExpiresAt:   req.ExpiresAt,
		Reason:      req.Reason,
		ActorID:     shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		h.respondError(w, "reserve", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req consumeRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Consume(r.Context(), ConsumeInput{
		ReservationID: id,
		Quantity:      req.Quantity,
		Kind:          req.Kind,
		ActorID:       shared.ActorFromContext(r.Context()),
		OccurredAt:    req.OccurredAt,
		Note:          req.Note,
	})
	if err != nil {
		h.respondError(w, "consume reservation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req cancelRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Cancel(r.Context(), id, shared.ActorFromContext(r.Context()), req.Reason)
	if err != nil {
		h.respondError(w, "cancel reservation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get reservation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpx.QueryInt64(r, "order_id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if orderID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Request", "order_id is required")
		return
	}
	list, err := h.service.ListByOrder(r.Context(), orderID)
	if err != nil {
		h.respondError(w, "list reservations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.PathInt64(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	pending, err := h.service.PendingFor(r.Context(), itemID)
	if err != nil {
		h.respondError(w, "pending for item", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"order_item_id": itemID, "pending": pending})
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
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
	available, err := h.service.Available(r.Context(), variantID, warehouseID)
	if err != nil {
		h.respondError(w, "availability", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]int64{"variant_id": variantID, "warehouse_id": warehouseID, "available": available})
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	rules := append(append([]httpx.Rule{}, ErrorRules...), inventory.ErrorRules...)
	httpx.RespondError(w, err, rules...)
}
