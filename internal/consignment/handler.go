package consignment

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/platform/httpx"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

// Handler exposes consignment endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler constructs the consignment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, now: time.Now}
}

// ErrorRules maps consignment errors to HTTP statuses.
var ErrorRules = []httpx.Rule{
	{Err: ErrInvalidInput, Status: http.StatusBadRequest, Title: "Invalid Consignment"},
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrReturnExceedsSent, Status: http.StatusUnprocessableEntity, Title: "Return Exceeds Sent"},
	{Err: ErrClosed, Status: http.StatusConflict, Title: "Consignment Closed"},
}

// MountRoutes registers consignment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleListByOrder)
	r.Post("/", h.handleSend)
	r.Get("/{id}", h.handleView)
	r.Post("/{id}/returns", h.handleReturn)
	r.Post("/{id}/purchase", h.handlePurchase)
}

type sendRequest struct {
	OrderID     int64     `json:"order_id" validate:"gte=0"`
	OrderItemID int64     `json:"order_item_id" validate:"gte=0"`
	VariantID   int64     `json:"variant_id" validate:"required,gt=0"`
	WarehouseID int64     `json:"warehouse_id" validate:"required,gt=0"`
	Quantity    int64     `json:"quantity" validate:"required,gt=0"`
	SentAt      time.Time `json:"sent_at"`
	Deadline    time.Time `json:"response_deadline"`
	Note        string    `json:"note" validate:"max=500"`
}

type returnRequest struct {
	Quantity   int64     `json:"quantity" validate:"required,gt=0"`
	ReturnedAt time.Time `json:"returned_at"`
	Note       string    `json:"note" validate:"max=500"`
}

type purchaseRequest struct {
	ConfirmedAt time.Time `json:"confirmed_at"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err, ErrorRules...)
		return
	}
	c, err := h.service.Send(r.Context(), SendInput{
		OrderID:     req.OrderID,
		OrderItemID: req.OrderItemID,
		VariantID:   req.VariantID,
		WarehouseID: req.WarehouseID,
		Quantity:    req.Quantity,
		SentAt:      req.SentAt,
		Deadline:    req.Deadline,
		ActorID:     shared.ActorFromContext(r.Context()),
		Note:        req.Note,
	})
	if err != nil {
		h.respondError(w, "send consignment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, c)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req returnRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.RegisterReturn(r.Context(), ReturnInput{
		ConsignmentID: id,
		Quantity:      req.Quantity,
		ReturnedAt:    req.ReturnedAt,
		ActorID:       shared.ActorFromContext(r.Context()),
		Note:          req.Note,
	})
	if err != nil {
		h.respondError(w, "register return", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req purchaseRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	c, err := h.service.ConfirmPurchase(r.Context(), id, shared.ActorFromContext(r.Context()), req.ConfirmedAt)
	if err != nil {
		h.respondError(w, "confirm purchase", err)
		return
	}
	httpx.JSON(w, http.StatusOK, c)
}

func (h *Handler) handleView(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	view, err := h.service.View(r.Context(), id, h.now())
	if err != nil {
		h.respondError(w, "view consignment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
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
		h.respondError(w, "list consignments", err)
		return
	}
	httpx.JSON(w, http.StatusOK, list)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	rules := append(append([]httpx.Rule{}, ErrorRules...), inventory.ErrorRules...)
	httpx.RespondError(w, err, rules...)
}
