package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mobilia-erp/backoffice/internal/app"
	"github.com/mobilia-erp/backoffice/internal/consignment"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	"github.com/mobilia-erp/backoffice/internal/orders"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/migrations"
)

const (
	seedActor       int64 = 1
	showroom        int64 = 1
	centralDepot    int64 = 2
	sofaVariant     int64 = 101
	armchairVariant int64 = 102
	tableVariant    int64 = 103
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.StorageDriver = app.StoragePostgres
	logger := slog.Default()

	fmt.Println("→ Applying migrations...")
	if err := migrate(ctx, cfg); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	rt, err := app.Open(ctx, cfg, nil, logger)
	if err != nil {
		log.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()

	fmt.Println("→ Seeding stock...")
	fresh, err := seedStock(ctx, rt.Services.Ledger)
	if err != nil {
		log.Fatalf("seed stock: %v", err)
	}
	if !fresh {
		fmt.Println("✓ Stock already seeded, nothing else to do")
		return
	}

	fmt.Println("→ Seeding orders...")
	order, err := seedOrder(ctx, rt.Services.Orders)
	if err != nil {
		log.Fatalf("seed orders: %v", err)
	}

	fmt.Println("→ Seeding consignments...")
	if err := seedConsignment(ctx, rt.Services.Consignments, order); err != nil {
		log.Fatalf("seed consignments: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func migrate(ctx context.Context, cfg *app.Config) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	_, err = migrations.Apply(ctx, pool)
	return err
}

// seedStock reports whether any entry was committed by this run. Keys make reruns no-ops.
func seedStock(ctx context.Context, ledger *inventory.Service) (bool, error) {
	entries := []struct {
		variant   int64
		warehouse int64
		quantity  int64
	}{
		{sofaVariant, showroom, 4},
		{sofaVariant, centralDepot, 12},
		{armchairVariant, showroom, 6},
		{armchairVariant, centralDepot, 20},
		{tableVariant, centralDepot, 8},
	}
	occurred := time.Now().UTC().Add(-24 * time.Hour)
	rows := make([]inventory.ImportRow, 0, len(entries))
	for i, e := range entries {
		rows = append(rows, inventory.ImportRow{
			Key: fmt.Sprintf("seed-stock-%d", i+1),
			Input: inventory.MovementInput{
				Kind:            inventory.KindEntrada,
				VariantID:       e.variant,
				DestWarehouseID: e.warehouse,
				Quantity:        e.quantity,
				OccurredAt:      occurred,
				ActorID:         seedActor,
				Note:            "opening stock",
			},
		})
	}
	result, err := ledger.ImportMovements(ctx, rows)
	if err != nil {
		return false, err
	}
	return result.Committed > 0, nil
}

func seedOrder(ctx context.Context, svc *orders.Service) (orders.Order, error) {
	return svc.CreateOrder(ctx, orders.CreateOrderInput{
		CustomerID:    5001,
		SalespersonID: 31,
		Consignment:   true,
		OrderDate:     time.Now().UTC(),
		Items: []orders.ItemInput{
			{VariantID: armchairVariant, Quantity: 2, UnitPrice: decimal.RequireFromString("1890.00"), WarehouseID: showroom},
			{VariantID: tableVariant, Quantity: 1, UnitPrice: decimal.RequireFromString("3450.00"), WarehouseID: centralDepot},
		},
		Note:    "showroom consignment",
		ActorID: seedActor,
	})
}

func seedConsignment(ctx context.Context, svc *consignment.Service, order orders.Order) error {
	item := order.Items[0]
	_, err := svc.Send(ctx, consignment.SendInput{
		OrderID:     order.ID,
		OrderItemID: item.ID,
		VariantID:   item.VariantID,
		WarehouseID: item.WarehouseID,
		Quantity:    item.Quantity,
		SentAt:      time.Now().UTC(),
		ActorID:     seedActor,
		Note:        "seed",
	})
	return err
}
