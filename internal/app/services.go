package app

import (
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/calendar"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/orders"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/reservation"
	"github.com/mobilia-erp/backoffice/internal/shared"
	"github.com/mobilia-erp/backoffice/internal/store/memory"
)

// Backend supplies every repository port of one storage driver.
type Backend struct {
	Inventory    inventory.RepositoryPort
	Reservations reservation.RepositoryPort
	Consignments consignment.RepositoryPort
	Orders       orders.RepositoryPort
	Audit        audit.Repository
	Idempotency  inventory.IdempotencyPort
}

// PostgresBackend wires the pgx repositories around one transaction manager.
func PostgresBackend(pool *pgxpool.Pool) Backend {
	txm := db.NewTxManager(pool)
	return Backend{
		Inventory:    inventory.NewRepository(txm),
		Reservations: reservation.NewRepository(txm),
		Consignments: consignment.NewRepository(txm),
		Orders:       orders.NewRepository(txm),
		Audit:        audit.NewRepository(txm),
		Idempotency:  shared.NewIdempotencyStore(txm),
	}
}

// MemoryBackend wires the in-process store.
func MemoryBackend(store *memory.Store) Backend {
	return Backend{
		Inventory:    store.Inventory(),
		Reservations: store.Reservations(),
		Consignments: store.Consignments(),
		Orders:       store.Orders(),
		Audit:        store.Audit(),
		Idempotency:  store.Idempotency(),
	}
}

// NewCalendar builds the business calendar from configuration. A nil rdb
// disables the holiday cache.
func NewCalendar(cfg *Config, rdb redis.Cmdable, logger *slog.Logger) (*calendar.Calendar, error) {
	extra, err := calendar.ParseStatic(cfg.ExtraHolidays)
	if err != nil {
		return nil, fmt.Errorf("EXTRA_HOLIDAYS: %w", err)
	}
	var provider calendar.Provider = calendar.Combined{
		calendar.Brazil{State: cfg.HomeState, Carnival: cfg.IncludeCarnival},
		extra,
	}
	if rdb != nil {
		provider = calendar.NewCached(provider, rdb, cfg.HomeState, cfg.HolidayCacheTTL, logger)
	}
	return calendar.New(provider, cfg.Location()), nil
}

// Services groups the domain services sharing one audit chain.
type Services struct {
	Chain        *audit.Chain
	Ledger       *inventory.Service
	Reservations *reservation.Service
	Consignments *consignment.Service
	Orders       *orders.Service
	Calendar     *calendar.Calendar
}

// NewServices composes the domain services over backend. metrics may be nil.
func NewServices(backend Backend, cfg *Config, cal *calendar.Calendar, metrics inventory.Recorder, logger *slog.Logger) *Services {
	chain := audit.NewChain(backend.Audit, logger)
	ledger := inventory.NewService(backend.Inventory, chain, backend.Idempotency, metrics, logger,
		inventory.ServiceConfig{ImportBatchSize: cfg.ImportBatchSize, Reserved: backend.Reservations})
	reservations := reservation.NewService(backend.Reservations, ledger, chain, logger)
	consignments := consignment.NewService(backend.Consignments, ledger, cal, chain, logger,
		consignment.ServiceConfig{ResponseDays: cfg.ConsignmentResponseDays})
	fulfilment := orders.NewService(backend.Orders, ledger, reservations, consignments, cal, chain, logger,
		orders.ServiceConfig{LeadTimeDaysDefault: cfg.LeadTimeDaysDefault, DefaultWarehouseID: cfg.DefaultWarehouseID})
	return &Services{
		Chain:        chain,
		Ledger:       ledger,
		Reservations: reservations,
		Consignments: consignments,
		Orders:       fulfilment,
		Calendar:     cal,
	}
}
