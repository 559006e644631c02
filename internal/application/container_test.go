package application

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/storage"
	"github.com/khanhnv2901/securiscan/internal/worker"
)

func TestNewContainer_Memory(t *testing.T) {
	ctx := context.Background()

	c, err := NewContainer(ctx, Config{Location: time.UTC}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &storage.MemoryStore{}, c.Store)
	assert.IsType(t, &queue.MemoryBroker{}, c.Queue)
	assert.Nil(t, c.DB)
	assert.Nil(t, c.Redis)
	assert.NoError(t, c.Check(ctx))

	require.NoError(t, c.Store.SaveUser(ctx, &scan.User{ID: "user-1", Email: "a@b.test"}))
	require.NoError(t, c.Store.SaveSite(ctx, &scan.Site{ID: "site-1", UserID: "user-1", URL: "https://a.test", IsActive: true}))

	triggered, err := c.Scans.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	info, err := c.Queue.JobInfo(ctx, triggered.JobID)
	require.NoError(t, err)
	assert.Equal(t, queue.StateWaiting, info.State)
	assert.NotNil(t, c.NewWorkerPool(worker.DefaultConfig()))
}

func TestNewContainer_RedisAndSQLite(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	c, err := NewContainer(ctx, Config{
		DatabaseDriver: storage.DriverSQLite,
		DatabaseDSN:    "file:" + t.TempDir() + "/securiscan.db",
		QueueBackend:   QueueBackendRedis,
		RedisAddr:      mr.Addr(),
		Location:       time.UTC,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.IsType(t, &storage.SQLStore{}, c.Store)
	assert.IsType(t, &queue.RedisBroker{}, c.Queue)
	assert.NoError(t, c.Check(ctx))

	require.NoError(t, c.Store.SaveUser(ctx, &scan.User{ID: "user-1", Email: "a@b.test", NotificationsEnabled: true}))
	require.NoError(t, c.Store.SaveSite(ctx, &scan.Site{ID: "site-1", UserID: "user-1", URL: "https://a.test", IsActive: true, Cadence: scan.CadenceDaily}))

	report, err := c.Scheduler.RestoreAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Registered)

	triggered, err := c.Scans.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	sc, err := c.Store.GetScan(ctx, triggered.ScanID)
	require.NoError(t, err)
	assert.Equal(t, scan.StatusPending, sc.Status())
}

func TestNewContainer_UnknownQueue(t *testing.T) {
	_, err := NewContainer(context.Background(), Config{QueueBackend: "kafka"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
