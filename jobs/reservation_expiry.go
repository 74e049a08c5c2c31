package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
)

const defaultSweepLimit = 500

// ReservationExpirer is the reservation surface the sweep needs.
type ReservationExpirer interface {
	ExpireDue(ctx context.Context, now time.Time, limit int) (int, error)
}

// ReservationExpiryJob releases reservations whose deadline passed.
type ReservationExpiryJob struct {
	service ReservationExpirer
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	limit   int
	clock   func() time.Time
}

// NewReservationExpiryJob initialises the sweep handler. limit caps a sweep when
// the task payload does not.
func NewReservationExpiryJob(service ReservationExpirer, logger *slog.Logger, metrics *jobmetrics.Metrics, limit int) *ReservationExpiryJob {
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = defaultSweepLimit
	}
	return &ReservationExpiryJob{
		service: service,
		logger:  logger,
		metrics: metrics,
		limit:   limit,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one sweep.
func (j *ReservationExpiryJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.service == nil {
		return errors.New("reservation expiry: handler not configured")
	}
	var payload ReservationsExpirePayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = j.limit
	}
	tracker := j.metrics.Track(TaskReservationsExpire)
	defer func() { err = tracker.End(err) }()

	expired, err := j.service.ExpireDue(ctx, j.clock(), limit)
	if err != nil {
		j.logger.Error("reservation sweep failed", slog.Int("expired", expired), slog.Any("error", err))
		return err
	}
	j.metrics.AddExpired(expired)
	if expired > 0 {
		j.logger.Info("reservations expired", slog.Int("count", expired), slog.Int("limit", limit))
	}
	return nil
}
