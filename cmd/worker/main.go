package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	_ "time/tzdata"

	"github.com/mobilia-erp/backoffice/internal/app"
	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
	"github.com/mobilia-erp/backoffice/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if cfg.StorageDriver == app.StorageMemory {
		logger.Error("the memory storage driver is process-local; jobs run inside backoffice serve")
		os.Exit(1)
	}

	rt, err := app.Open(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("open runtime", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	wc, err := app.NewWorkerConfig(cfg, rt.Services, jobmetrics.NewMetrics(nil), logger)
	if err != nil {
		logger.Error("build worker config", slog.Any("error", err))
		os.Exit(1)
	}
	worker, err := jobs.NewWorker(wc)
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started",
		slog.String("expire_cron", cfg.ReservationSweepCron),
		slog.String("verify_cron", cfg.AuditVerifyCron),
		slog.String("reconcile_cron", cfg.ReconcileCron))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
