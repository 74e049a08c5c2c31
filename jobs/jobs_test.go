package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mobilia-erp/backoffice/internal/audit"
	"github.com/mobilia-erp/backoffice/internal/inventory"
	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeExpirer struct {
	now   time.Time
	limit int
	count int
	err   error
}

func (f *fakeExpirer) ExpireDue(_ context.Context, now time.Time, limit int) (int, error) {
	f.now, f.limit = now, limit
	return f.count, f.err
}

type fakeVerifier struct {
	got    audit.VerifyRange
	result audit.Verification
	err    error
}

func (f *fakeVerifier) VerifyChain(_ context.Context, r audit.VerifyRange) (audit.Verification, error) {
	f.got = r
	return f.result, f.err
}

type fakeReconciler struct {
	variant int64
	out     []inventory.Discrepancy
}

func (f *fakeReconciler) Reconcile(_ context.Context, variantID int64) ([]inventory.Discrepancy, error) {
	f.variant = variantID
	return f.out, nil
}

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, task *asynq.Task) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type()}, nil
}

func TestReservationExpiryUsesPayloadLimitAndClock(t *testing.T) {
	fake := &fakeExpirer{count: 3}
	job := NewReservationExpiryJob(fake, discard, nil, 50)
	fixed := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	job.clock = func() time.Time { return fixed }

	task, err := NewReservationsExpireTask(10)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 10, fake.limit)
	assert.Equal(t, fixed, fake.now)

	task, err = NewReservationsExpireTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, 50, fake.limit)
}

func TestReservationExpiryRejectsBadPayload(t *testing.T) {
	job := NewReservationExpiryJob(&fakeExpirer{}, discard, nil, 0)
	err := job.Handle(context.Background(), asynq.NewTask(TaskReservationsExpire, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReservationExpiryPropagatesTransientErrors(t *testing.T) {
	boom := errors.New("connection reset")
	job := NewReservationExpiryJob(&fakeExpirer{err: boom}, discard, nil, 0)
	task, err := NewReservationsExpireTask(0)
	require.NoError(t, err)
	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, asynq.SkipRetry)
}

func TestAuditVerifySkipsRetryOnBrokenChain(t *testing.T) {
	id := uuid.New()
	fake := &fakeVerifier{
		result: audit.Verification{Valid: false, BrokenAtSeq: 7, BrokenAtID: id, Reason: "event_hash mismatch"},
		err:    &audit.ChainIntegrityError{Seq: 7, ID: id, Reason: "event_hash mismatch"},
	}
	job := NewAuditVerifyJob(fake, discard, nil)
	task, err := NewAuditVerifyTask(5, 0)
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Equal(t, audit.VerifyRange{FromSeq: 5}, fake.got)
}

func TestAuditVerifyValidChain(t *testing.T) {
	job := NewAuditVerifyJob(&fakeVerifier{result: audit.Verification{Valid: true, Checked: 12}}, discard, nil)
	require.NoError(t, job.Handle(context.Background(), asynq.NewTask(TaskAuditVerify, nil)))
}

func TestInventoryReconcileCountsDiscrepancies(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	fake := &fakeReconciler{out: []inventory.Discrepancy{{VariantID: 9, WarehouseID: 1, Materialized: 4, Replayed: 3}}}
	job := NewInventoryReconcileJob(fake, discard, metrics)

	task, err := NewInventoryReconcileTask(9)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, int64(9), fake.variant)

	families, err := registry.Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if mf.GetName() == "mobilia_stock_discrepancies_total" {
			found = true
			assert.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}

func TestHandlerRunEnqueuesKnownTasks(t *testing.T) {
	client := &fakeEnqueuer{}
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, client, discard).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/run/inventory-reconcile", nil))
	assert.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, client.tasks, 1)
	assert.Equal(t, TaskInventoryReconcile, client.tasks[0].Type())

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/jobs/run/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil, discard).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
