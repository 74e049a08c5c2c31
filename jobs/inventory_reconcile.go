package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/mobilia-erp/backoffice/internal/inventory"
	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
)

// Reconciler is the ledger surface the reconciliation job needs.
type Reconciler interface {
	Reconcile(ctx context.Context, variantID int64) ([]inventory.Discrepancy, error)
}

// InventoryReconcileJob reports balances that disagree with their movement log.
type InventoryReconcileJob struct {
	ledger  Reconciler
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
}

// NewInventoryReconcileJob initialises the reconciliation handler.
func NewInventoryReconcileJob(ledger Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *InventoryReconcileJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryReconcileJob{ledger: ledger, logger: logger, metrics: metrics}
}

// Handle runs one replay. Discrepancies are reported, never corrected.
func (j *InventoryReconcileJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.ledger == nil {
		return errors.New("inventory reconcile: handler not configured")
	}
	var payload InventoryReconcilePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics.Track(TaskInventoryReconcile)
	defer func() { err = tracker.End(err) }()

	out, err := j.ledger.Reconcile(ctx, payload.VariantID)
	if err != nil {
		return err
	}
	j.metrics.AddDiscrepancies(len(out))
	for _, d := range out {
		j.logger.Error("stock balance out of line",
			slog.Int64("variant_id", d.VariantID),
			slog.Int64("warehouse_id", d.WarehouseID),
			slog.Int64("materialized", d.Materialized),
			slog.Int64("replayed", d.Replayed))
	}
	return nil
}
