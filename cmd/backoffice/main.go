package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/mobilia-erp/backoffice/cmd/backoffice/cli"
	"github.com/mobilia-erp/backoffice/internal/app"
	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
	"github.com/mobilia-erp/backoffice/internal/observability"
	"github.com/mobilia-erp/backoffice/internal/platform/db"
	"github.com/mobilia-erp/backoffice/jobs"
	"github.com/mobilia-erp/backoffice/migrations"
)

const usage = `usage: backoffice <command> [flags]

commands:
  serve                         run the HTTP API (default)
  migrate                       apply pending schema migrations
  import --actor ID [--json]    read movements as CSV from stdin
  verify [--from N] [--to N]    verify the audit hash chain
  reconcile [--variant ID]      replay the movement log against balances
  jobs trigger|stats|scheduled  manage background jobs`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	command, args := "serve", []string(nil)
	if len(os.Args) > 1 {
		command, args = os.Args[1], os.Args[2:]
	}
	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "migrate":
		err = migrate(ctx, cfg, logger)
	case "import", "verify", "reconcile":
		os.Exit(runCheck(ctx, cfg, logger, command, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	rt, err := app.Open(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	params := app.HandlerParams(rt.Services, logger)
	params.Config = cfg
	params.Metrics = metrics

	if rt.Redis != nil {
		redisOpts := app.RedisOpts(cfg)
		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		client := jobs.NewClient(redisOpts)
		defer func() {
			if err := client.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		params.JobHandler = jobs.NewHandler(inspector, client, logger)

		// The memory store lives in this process, so its jobs must too.
		if cfg.StorageDriver == app.StorageMemory {
			wc, err := app.NewWorkerConfig(cfg, rt.Services, jobmetrics.NewMetrics(metrics.Registerer()), logger)
			if err != nil {
				return err
			}
			worker, err := jobs.NewWorker(wc)
			if err != nil {
				return err
			}
			go func() {
				if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("in-process worker", slog.Any("error", err))
				}
			}()
		}
	}

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      app.NewRouter(params),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr), slog.String("storage", cfg.StorageDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return nil
}

func migrate(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	if cfg.StorageDriver != app.StoragePostgres {
		return fmt.Errorf("migrate requires STORAGE_DRIVER=%s", app.StoragePostgres)
	}
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	applied, err := migrations.Apply(ctx, pool)
	if err != nil {
		return err
	}
	logger.Info("migrations applied", slog.Any("versions", applied))
	return nil
}

func runCheck(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	actor := fs.Int64("actor", 0, "actor id recorded on imported movements")
	from := fs.Int64("from", 0, "first sequence to verify")
	to := fs.Int64("to", 0, "last sequence to verify")
	variant := fs.Int64("variant", 0, "variant to reconcile, all when zero")
	asJSON := fs.Bool("json", false, "print JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := app.Open(ctx, cfg, nil, logger)
	if err != nil {
		logger.Error("open runtime", slog.Any("error", err))
		return 1
	}
	defer rt.Close()

	switch command {
	case "import":
		return cli.ImportCommand(ctx, rt.Services.Ledger, cli.ImportOptions{ActorID: *actor, JSONOutput: *asJSON})
	case "verify":
		return cli.VerifyCommand(ctx, rt.Services.Chain, cli.CheckOptions{FromSeq: *from, ToSeq: *to, JSONOutput: *asJSON})
	default:
		return cli.ReconcileCommand(ctx, rt.Services.Ledger, cli.CheckOptions{VariantID: *variant, JSONOutput: *asJSON})
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	jc := cli.NewJobsCLI(app.RedisOpts(cfg))
	defer jc.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "jobs trigger: name required (%s, %s, %s)\n",
				jobs.TaskReservationsExpire, jobs.TaskAuditVerify, jobs.TaskInventoryReconcile)
			return 2
		}
		info, err := jc.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s\n", info.Type, info.ID)
	case "stats":
		stats, err := jc.InspectQueue(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs stats: %v\n", err)
			return 1
		}
		fmt.Printf("queue=%s pending=%d active=%d scheduled=%d retry=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
	case "scheduled":
		tasks, err := jc.ListScheduled(ctx, 20)
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs scheduled: %v\n", err)
			return 1
		}
		for _, t := range tasks {
			fmt.Printf("%s %s next=%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
	default:
		fmt.Fprintln(os.Stderr, usage)
		return 2
	}
	return 0
}
