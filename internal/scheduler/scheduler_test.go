package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
	"github.com/khanhnv2901/securiscan/internal/storage"
)

// flakyBroker refuses to register one key.
type flakyBroker struct {
	*queue.MemoryBroker
	failKey string
}

func (f *flakyBroker) RegisterRecurring(ctx context.Context, key, pattern string, job queue.Job) error {
	if key == f.failKey {
		return errors.New("broker unavailable")
	}
	return f.MemoryBroker.RegisterRecurring(ctx, key, pattern, job)
}

func newTestScheduler(t *testing.T, sites ...*scan.Site) (*Service, *queue.MemoryBroker, *storage.MemoryStore) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	store := storage.NewMemoryStore()
	for _, site := range sites {
		require.NoError(t, store.SaveSite(context.Background(), site))
	}
	broker := queue.NewMemoryBroker(logger, time.UTC)
	t.Cleanup(func() { _ = broker.Close() })

	return NewService(store, broker, logger), broker, store
}

func keys(t *testing.T, b queue.Broker) []string {
	t.Helper()
	recs, err := b.ListRecurring(context.Background())
	require.NoError(t, err)
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Key)
	}
	return out
}

func TestCronPattern(t *testing.T) {
	testCases := []struct {
		cadence scan.Cadence
		want    string
		ok      bool
	}{
		{scan.CadenceDaily, "0 2 * * *", true},
		{scan.CadenceWeekly, "0 2 * * 1", true},
		{scan.CadenceMonthly, "0 2 1 * *", true},
		{scan.CadenceNone, "", false},
		{scan.Cadence("HOURLY"), "", false},
	}

	for _, tc := range testCases {
		t.Run(string(tc.cadence), func(t *testing.T) {
			got, ok := CronPattern(tc.cadence)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
			if ok {
				assert.NoError(t, queue.ValidatePattern(got))
			}
		})
	}
	assert.Equal(t, "scheduled-scan-site-1", RecurringKey("site-1"))
}

func TestScheduleRecurringScan(t *testing.T) {
	ctx := context.Background()
	site := &scan.Site{ID: "site-1", URL: "https://shop.test", IsActive: true}

	t.Run("daily twice leaves one registration", func(t *testing.T) {
		svc, broker, _ := newTestScheduler(t, site)

		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceDaily))
		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceDaily))

		recs, err := broker.ListRecurring(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "scheduled-scan-site-1", recs[0].Key)
		assert.Equal(t, "0 2 * * *", recs[0].Pattern)
		assert.Equal(t, queue.Job{SiteURL: "https://shop.test", SiteID: "site-1", Scheduled: true}, recs[0].Job)
	})

	t.Run("daily then none leaves zero", func(t *testing.T) {
		svc, broker, _ := newTestScheduler(t, site)

		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceDaily))
		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceNone))

		assert.Empty(t, keys(t, broker))
	})

	t.Run("cadence change replaces pattern", func(t *testing.T) {
		svc, broker, _ := newTestScheduler(t, site)

		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceDaily))
		require.NoError(t, svc.ScheduleRecurringScan(ctx, "site-1", scan.CadenceMonthly))

		recs, err := broker.ListRecurring(ctx)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "0 2 1 * *", recs[0].Pattern)
	})

	t.Run("missing site", func(t *testing.T) {
		svc, broker, _ := newTestScheduler(t)

		err := svc.ScheduleRecurringScan(ctx, "ghost", scan.CadenceWeekly)
		assert.ErrorIs(t, err, sharedErrors.ErrSiteNotFound)
		assert.Empty(t, keys(t, broker))
	})

	t.Run("unknown cadence", func(t *testing.T) {
		svc, _, _ := newTestScheduler(t, site)

		err := svc.ScheduleRecurringScan(ctx, "site-1", scan.Cadence("HOURLY"))
		assert.ErrorIs(t, err, sharedErrors.ErrInvalidCadence)
	})
}

func TestUpdateCadence(t *testing.T) {
	ctx := context.Background()

	svc, broker, store := newTestScheduler(t,
		&scan.Site{ID: "site-1", URL: "https://shop.test", IsActive: true},
		&scan.Site{ID: "site-off", URL: "https://off.test", IsActive: false},
	)

	require.NoError(t, svc.UpdateCadence(ctx, "site-1", scan.CadenceWeekly))
	site, err := store.GetSite(ctx, "site-1")
	require.NoError(t, err)
	assert.Equal(t, scan.CadenceWeekly, site.Cadence)
	assert.Equal(t, []string{"scheduled-scan-site-1"}, keys(t, broker))

	require.NoError(t, svc.UpdateCadence(ctx, "site-off", scan.CadenceDaily))
	assert.Equal(t, []string{"scheduled-scan-site-1"}, keys(t, broker), "inactive sites are not scheduled")

	assert.ErrorIs(t, svc.UpdateCadence(ctx, "ghost", scan.CadenceDaily), sharedErrors.ErrSiteNotFound)
	assert.ErrorIs(t, svc.UpdateCadence(ctx, "site-1", scan.Cadence("YEARLY")), sharedErrors.ErrInvalidCadence)
}

func TestRestoreAllSchedules(t *testing.T) {
	ctx := context.Background()

	svc, broker, _ := newTestScheduler(t,
		&scan.Site{ID: "a", URL: "https://a.test", IsActive: true, Cadence: scan.CadenceDaily},
		&scan.Site{ID: "b", URL: "https://b.test", IsActive: true, Cadence: scan.CadenceWeekly},
		&scan.Site{ID: "c", URL: "https://c.test", IsActive: false, Cadence: scan.CadenceDaily},
		&scan.Site{ID: "d", URL: "https://d.test", IsActive: true, Cadence: scan.CadenceNone},
	)

	// a is current, b has an outdated pattern, c is inactive and stale.
	require.NoError(t, broker.RegisterRecurring(ctx, "scheduled-scan-a", "0 2 * * *",
		queue.Job{SiteURL: "https://a.test", SiteID: "a", Scheduled: true}))
	require.NoError(t, broker.RegisterRecurring(ctx, "scheduled-scan-b", "0 2 * * *",
		queue.Job{SiteURL: "https://b.test", SiteID: "b", Scheduled: true}))
	require.NoError(t, broker.RegisterRecurring(ctx, "scheduled-scan-c", "0 2 * * *",
		queue.Job{SiteURL: "https://c.test", SiteID: "c", Scheduled: true}))
	require.NoError(t, broker.RegisterRecurring(ctx, "maintenance", "0 3 * * *", queue.Job{}))

	report, err := svc.RestoreAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Registered: 1, Unchanged: 1, Removed: 1}, report)

	recs, err := broker.ListRecurring(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "maintenance", recs[0].Key, "keys outside the scan prefix are untouched")
	assert.Equal(t, "scheduled-scan-a", recs[1].Key)
	assert.Equal(t, "scheduled-scan-b", recs[2].Key)
	assert.Equal(t, "0 2 * * 1", recs[2].Pattern)

	// A second pass has nothing to do.
	report, err = svc.RestoreAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Unchanged: 2}, report)
}

func TestRestoreAllSchedules_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	store := storage.NewMemoryStore()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveSite(ctx, &scan.Site{ID: id, URL: "https://" + id + ".test", IsActive: true, Cadence: scan.CadenceDaily}))
	}
	mem := queue.NewMemoryBroker(logger, time.UTC)
	t.Cleanup(func() { _ = mem.Close() })
	broker := &flakyBroker{MemoryBroker: mem, failKey: "scheduled-scan-b"}

	report, err := NewService(store, broker, logger).RestoreAllSchedules(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreReport{Registered: 2, Failed: 1}, report)
	assert.Equal(t, []string{"scheduled-scan-a", "scheduled-scan-c"}, keys(t, broker))
}
