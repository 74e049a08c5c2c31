package app

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/mobilia-erp/backoffice/internal/jobs"
	"github.com/mobilia-erp/backoffice/internal/observability"
	"github.com/mobilia-erp/backoffice/jobs"
)

func memoryConfig(redisAddr string) *Config {
	return &Config{
		StorageDriver:         StorageMemory,
		RedisAddr:             redisAddr,
		LeadTimeDaysDefault:   60,
		HomeState:             "SP",
		Timezone:              "UTC",
		DefaultWarehouseID:    1,
		ReservationSweepCron:  "*/5 * * * *",
		ReservationSweepLimit: 100,
		AuditVerifyCron:       "30 2 * * *",
		ReconcileCron:         "0 3 * * *",
	}
}

func TestOpenMemoryWithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rt, err := Open(context.Background(), memoryConfig(mr.Addr()), observability.NewMetrics(), logger)
	require.NoError(t, err)
	defer rt.Close()
	require.NotNil(t, rt.Redis)
	require.NotNil(t, rt.Services.Orders)

	due, err := rt.Services.Calendar.IsBusinessDay(context.Background(), mustDate(t, "2026-04-21"))
	require.NoError(t, err)
	assert.False(t, due, "Tiradentes")
	assert.NotEmpty(t, mr.Keys(), "holidays cached in redis")
}

func TestOpenWithoutRedisFallsBack(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	rt, err := Open(context.Background(), memoryConfig(addr), nil, logger)
	require.NoError(t, err)
	defer rt.Close()
	assert.Nil(t, rt.Redis)

	ok, err := rt.Services.Calendar.IsBusinessDay(context.Background(), mustDate(t, "2026-04-22"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewWorkerConfigRegistersJobs(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := memoryConfig("127.0.0.1:6379")
	cal, err := NewCalendar(cfg, nil, logger)
	require.NoError(t, err)
	services := NewServices(Backend{}, cfg, cal, nil, logger)

	wc, err := NewWorkerConfig(cfg, services, jobmetrics.NewMetrics(observability.NewMetrics().Registerer()), logger)
	require.NoError(t, err)

	var types []string
	for _, h := range wc.Handlers {
		types = append(types, h.Type)
	}
	assert.ElementsMatch(t, []string{jobs.TaskReservationsExpire, jobs.TaskAuditVerify, jobs.TaskInventoryReconcile}, types)
	require.Len(t, wc.Cron, 3)
	assert.Equal(t, "*/5 * * * *", wc.Cron[0].Spec)
	assert.Equal(t, jobs.TaskReservationsExpire, wc.Cron[0].Task.Type())
	assert.Equal(t, "127.0.0.1:6379", wc.RedisOpts.Addr)
}
