package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/mobilia-erp/backoffice/internal/audit/http"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/observability"
	"github.com/mobilia-erp/backoffice/internal/orders"
	"github.com/mobilia-erp/backoffice/internal/reservation"
	"github.com/mobilia-erp/backoffice/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	InventoryHandler   *inventory.Handler
	ReservationHandler *reservation.Handler
	ConsignmentHandler *consignment.Handler
	OrdersHandler      *orders.Handler
	AuditHandler       *audithttp.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// HandlerParams builds the domain handlers over services.
func HandlerParams(services *Services, logger *slog.Logger) RouterParams {
	return RouterParams{
		Logger:             logger,
		InventoryHandler:   inventory.NewHandler(logger, services.Ledger),
		ReservationHandler: reservation.NewHandler(logger, services.Reservations),
		ConsignmentHandler: consignment.NewHandler(logger, services.Consignments),
		OrdersHandler:      orders.NewHandler(logger, services.Orders),
		AuditHandler:       audithttp.NewHandler(logger, services.Chain),
	}
}

// NewRouter constructs the chi.Router with back office defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	if !InTestMode() {
		r.Use(chimw.Logger)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.InventoryHandler != nil {
		r.Route("/inventory", params.InventoryHandler.MountRoutes)
	}
	if params.ReservationHandler != nil {
		r.Route("/reservations", params.ReservationHandler.MountRoutes)
	}
	if params.ConsignmentHandler != nil {
		r.Route("/consignments", params.ConsignmentHandler.MountRoutes)
	}
	if params.OrdersHandler != nil {
		r.Route("/orders", params.OrdersHandler.MountRoutes)
		r.Route("/factory-orders", params.OrdersHandler.MountFactoryRoutes)
	}
	if params.AuditHandler != nil {
		params.AuditHandler.MountRoutes(r)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
