package orders

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/platform/httpx"
	"github.com/mobilia-erp/backoffice/internal/reservation"
	"github.com/mobilia-erp/backoffice/internal/shared"
)

// Handler exposes order endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	now     func() time.Time
}

// NewHandler constructs the orders handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, now: time.Now}
}

// ErrorRules maps order errors to HTTP statuses.
var ErrorRules = []httpx.Rule{
	{Err: ErrInvalidOrder, Status: http.StatusBadRequest, Title: "Invalid Order"},
	{Err: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrFactoryOrderNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Err: ErrOverDelivery, Status: http.StatusUnprocessableEntity, Title: "Over Delivery"},
}

// MountRoutes registers sales order routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{id}", h.handleGet)
	r.Get("/{id}/status", h.handleCurrent)
	r.Post("/{id}/status", h.handleAppendStatus)
	r.Get("/{id}/history", h.handleHistory)
	r.Get("/{id}/situation", h.handleSituation)
	r.Get("/flows/{type}", h.handleFlow)
}

// MountFactoryRoutes registers factory order routes.
func (h *Handler) MountFactoryRoutes(r chi.Router) {
	r.Post("/", h.handleCreateFactoryOrder)
	r.Get("/{id}", h.handleFactoryOrder)
	r.Get("/{id}/history", h.handleFactoryHistory)
	r.Post("/items/{itemID}/deliveries", h.handleRegisterDelivery)
}

type itemRequest struct {
	VariantID   int64           `json:"variant_id" validate:"required,gt=0"`
	Quantity    int64           `json:"quantity" validate:"required,gt=0"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	WarehouseID int64           `json:"warehouse_id" validate:"gte=0"`
}

type createRequest struct {
	CustomerID         int64         `json:"customer_id" validate:"required,gt=0"`
	SalespersonID      int64         `json:"salesperson_id" validate:"required,gt=0"`
	PartnerID          int64         `json:"partner_id" validate:"gte=0"`
	FulfilledFromStock bool          `json:"fulfilled_from_stock"`
	Consignment        bool          `json:"consignment"`
	OrderDate          time.Time     `json:"order_date"`
	LeadTimeDays       int           `json:"lead_time_days" validate:"gte=0,lte=720"`
	Note               string        `json:"note" validate:"max=1000"`
	Items              []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type statusRequest struct {
	Status     Status    `json:"status" validate:"required"`
	OccurredAt time.Time `json:"occurred_at"`
	Note       string    `json:"note" validate:"max=1000"`
}

type factoryOrderRequest struct {
	SupplierRef string `json:"supplier_ref" validate:"required,max=120"`
	OrderID     int64  `json:"order_id" validate:"gte=0"`
	WarehouseID int64  `json:"warehouse_id" validate:"gte=0"`
	Note        string `json:"note" validate:"max=1000"`
	Items       []struct {
		VariantID   int64 `json:"variant_id" validate:"required,gt=0"`
		OrderItemID int64 `json:"order_item_id" validate:"gte=0"`
		Quantity    int64 `json:"quantity" validate:"required,gt=0"`
	} `json:"items" validate:"required,min=1,dive"`
}

type deliveryRequest struct {
	Quantity    int64     `json:"quantity" validate:"required,gt=0"`
	WarehouseID int64     `json:"warehouse_id" validate:"gte=0"`
	DeliveredAt time.Time `json:"delivered_at"`
	Note        string    `json:"note" validate:"max=500"`
}

type transitionProblem struct {
	Title   string   `json:"title"`
	Status  int      `json:"status"`
	Detail  string   `json:"detail"`
	From    Status   `json:"from"`
	To      Status   `json:"to"`
	Allowed []Status `json:"allowed"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err, ErrorRules...)
		return
	}
	input := CreateOrderInput{
		CustomerID:         req.CustomerID,
		SalespersonID:      req.SalespersonID,
		PartnerID:          req.PartnerID,
		FulfilledFromStock: req.FulfilledFromStock,
		Consignment:        req.Consignment,
		OrderDate:          req.OrderDate,
		LeadTimeDays:       req.LeadTimeDays,
		Note:               req.Note,
		ActorID:            shared.ActorFromContext(r.Context()),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, ItemInput(item))
	}
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, "create order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.Current(r.Context(), id)
	if err != nil {
		h.respondError(w, "current status", err)
		return
	}
	httpx.JSON(w, http.StatusOK, ev)
}

func (h *Handler) handleAppendStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req statusRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ev, err := h.service.AppendStatus(r.Context(), AppendStatusInput{
		OrderID:    id,
		Status:     req.Status,
		OccurredAt: req.OccurredAt,
		ActorID:    shared.ActorFromContext(r.Context()),
		Note:       req.Note,
	})
	if err != nil {
		h.respondError(w, "append status", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, ev)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.service.History(r.Context(), id)
	if err != nil {
		h.respondError(w, "order history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) handleSituation(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	today, err := httpx.QueryDate(r, "date")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if today.IsZero() {
		today = h.now()
	}
	situation, err := h.service.Situation(r.Context(), id, today)
	if err != nil {
		h.respondError(w, "order situation", err)
		return
	}
	httpx.JSON(w, http.StatusOK, situation)
}

func (h *Handler) handleFlow(w http.ResponseWriter, r *http.Request) {
	t := Type(chi.URLParam(r, "type"))
	if _, ok := flows[t]; !ok {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "unknown order type")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"type": t, "steps": Flow(t)})
}

func (h *Handler) handleCreateFactoryOrder(w http.ResponseWriter, r *http.Request) {
	var req factoryOrderRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	input := CreateFactoryOrderInput{
		SupplierRef: req.SupplierRef,
		OrderID:     req.OrderID,
		WarehouseID: req.WarehouseID,
		Note:        req.Note,
		ActorID:     shared.ActorFromContext(r.Context()),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, FactoryItemInput{VariantID: item.VariantID, OrderItemID: item.OrderItemID, Quantity: item.Quantity})
	}
	fo, err := h.service.CreateFactoryOrder(r.Context(), input)
	if err != nil {
		h.respondError(w, "create factory order", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, fo)
}

func (h *Handler) handleFactoryOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	fo, err := h.service.FactoryOrder(r.Context(), id)
	if err != nil {
		h.respondError(w, "get factory order", err)
		return
	}
	httpx.JSON(w, http.StatusOK, fo)
}

func (h *Handler) handleFactoryHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathInt64(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.service.FactoryHistory(r.Context(), id)
	if err != nil {
		h.respondError(w, "factory history", err)
		return
	}
	httpx.JSON(w, http.StatusOK, events)
}

func (h *Handler) handleRegisterDelivery(w http.ResponseWriter, r *http.Request) {
	itemID, err := httpx.PathInt64(r, "itemID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req deliveryRequest
	if err := httpx.DecodeAndValidate(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	fo, err := h.service.RegisterDelivery(r.Context(), RegisterDeliveryInput{
		FactoryItemID: itemID,
		Quantity:      req.Quantity,
		WarehouseID:   req.WarehouseID,
		DeliveredAt:   req.DeliveredAt,
		ActorID:       shared.ActorFromContext(r.Context()),
		Note:          req.Note,
	})
	if err != nil {
		h.respondError(w, "register delivery", err)
		return
	}
	httpx.JSON(w, http.StatusOK, fo)
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	h.logger.Warn(op, slog.Any("error", err))
	var terr *TransitionError
	if errors.As(err, &terr) {
		httpx.JSON(w, http.StatusConflict, transitionProblem{
			Title:   "Invalid Transition",
			Status:  http.StatusConflict,
			Detail:  terr.Error(),
			From:    terr.From,
			To:      terr.To,
			Allowed: terr.Allowed,
		})
		return
	}
	rules := make([]httpx.Rule, 0, len(ErrorRules)+len(reservation.ErrorRules)+len(consignment.ErrorRules)+len(inventory.ErrorRules))
	rules = append(rules, ErrorRules...)
	rules = append(rules, reservation.ErrorRules...)
	rules = append(rules, consignment.ErrorRules...)
	rules = append(rules, inventory.ErrorRules...)
	httpx.RespondError(w, err, rules...)
}
