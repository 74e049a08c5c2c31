package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/mobilia-erp/backoffice/internal/inventory"
	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
	"github.com/mobilia-erp/backoffice/internal/platform/cache"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/internal/store/memory"
	"github.com/mobilia-erp/backoffice/jobs"
)

// Runtime holds the opened connections and the composed services.
type Runtime struct {
	Services *Services
	Redis    *redis.Client
	closers  []func()
}

// Close releases connections in reverse opening order.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// RedisOpts returns the asynq connection settings for cfg.
func RedisOpts(cfg *Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
}

// Open connects the configured storage driver and Redis and composes the services.
// Redis is optional: without it the holiday cache is skipped.
func Open(ctx context.Context, cfg *Config, metrics inventory.Recorder, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{}
	rdb, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err != nil {
		logger.Warn("redis unavailable, holiday cache disabled", slog.Any("error", err))
	} else {
		rt.Redis = rdb
		rt.closers = append(rt.closers, func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		})
	}

	var backend Backend
	switch cfg.StorageDriver {
	case StorageMemory:
		logger.Warn("memory storage driver selected, data is lost on exit")
		backend = MemoryBackend(memory.New())
	default:
		pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.closers = append(rt.closers, pool.Close)
		backend = PostgresBackend(pool)
	}

	var cmd redis.Cmdable
	if rt.Redis != nil {
		cmd = rt.Redis
	}
	cal, err := NewCalendar(cfg, cmd, logger)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("calendar: %w", err)
	}
	rt.Services = NewServices(backend, cfg, cal, metrics, logger)
	return rt, nil
}

// NewWorkerConfig registers the background jobs and their cron schedules.
func NewWorkerConfig(cfg *Config, services *Services, metrics *jobmetrics.Metrics, logger *slog.Logger) (jobs.WorkerConfig, error) {
	expiry := jobs.NewReservationExpiryJob(services.Reservations, logger, metrics, cfg.ReservationSweepLimit)
	verify := jobs.NewAuditVerifyJob(services.Chain, logger, metrics)
	reconcile := jobs.NewInventoryReconcileJob(services.Ledger, logger, metrics)

	expiryTask, err := jobs.NewReservationsExpireTask(cfg.ReservationSweepLimit)
	if err != nil {
		return jobs.WorkerConfig{}, fmt.Errorf("build expiry task: %w", err)
	}
	verifyTask, err := jobs.NewAuditVerifyTask(0, 0)
	if err != nil {
		return jobs.WorkerConfig{}, fmt.Errorf("build verify task: %w", err)
	}
	reconcileTask, err := jobs.NewInventoryReconcileTask(0)
	if err != nil {
		return jobs.WorkerConfig{}, fmt.Errorf("build reconcile task: %w", err)
	}

	return jobs.WorkerConfig{
		RedisOpts: RedisOpts(cfg),
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReservationsExpire, Handler: expiry.Handle},
			{Type: jobs.TaskAuditVerify, Handler: verify.Handle},
			{Type: jobs.TaskInventoryReconcile, Handler: reconcile.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReservationSweepCron, Task: expiryTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: cfg.AuditVerifyCron, Task: verifyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	}, nil
}
