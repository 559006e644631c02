package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/khanhnv2901/securiscan/internal/alert"
	"github.com/khanhnv2901/securiscan/internal/checker"
	domain "github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
	"github.com/khanhnv2901/securiscan/internal/storage"
	"github.com/khanhnv2901/securiscan/internal/worker"
)

// recordingStore tracks every status a scan is written with.
type recordingStore struct {
	*storage.MemoryStore

	mu         sync.Mutex
	statuses   map[string][]domain.Status
	failInsert atomic.Int32
	failUpdate atomic.Int32
}

func newRecordingStore() *recordingStore {
	return &recordingStore{
		MemoryStore: storage.NewMemoryStore(),
		statuses:    make(map[string][]domain.Status),
	}
}

func (r *recordingStore) CreateScan(ctx context.Context, s *domain.Scan) error {
	r.record(s)
	return r.MemoryStore.CreateScan(ctx, s)
}

func (r *recordingStore) UpdateScan(ctx context.Context, s *domain.Scan) error {
	if r.failUpdate.Load() > 0 {
		r.failUpdate.Add(-1)
		return errors.New("database unavailable")
	}
	r.record(s)
	return r.MemoryStore.UpdateScan(ctx, s)
}

func (r *recordingStore) BulkInsertResults(ctx context.Context, scanID string, results []checker.CheckResult) error {
	if r.failInsert.Load() > 0 {
		r.failInsert.Add(-1)
		return errors.New("database unavailable")
	}
	return r.MemoryStore.BulkInsertResults(ctx, scanID, results)
}

func (r *recordingStore) record(s *domain.Scan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[s.ID()] = append(r.statuses[s.ID()], s.Status())
}

func (r *recordingStore) history(id string) []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Status(nil), r.statuses[id]...)
}

func (r *recordingStore) scanIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.statuses))
	for id := range r.statuses {
		ids = append(ids, id)
	}
	return ids
}

type fixedRunner struct {
	results []checker.CheckResult
	calls   atomic.Int32
}

func (f *fixedRunner) RunAllChecks(ctx context.Context, target string) []checker.CheckResult {
	f.calls.Add(1)
	out := make([]checker.CheckResult, len(f.results))
	copy(out, f.results)
	return out
}

type sentNotice struct {
	kind          string
	score         int
	criticalCount int
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *recordingNotifier) SendScanComplete(ctx context.Context, user *domain.User, site *domain.Site, score int, scanID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{kind: alert.KindScanComplete, score: score})
	return nil
}

func (n *recordingNotifier) SendCriticalAlert(ctx context.Context, user *domain.User, site *domain.Site, score, criticalCount int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{kind: alert.KindCriticalAlert, score: score, criticalCount: criticalCount})
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var kinds []string
	for _, s := range n.sent {
		kinds = append(kinds, s.kind)
	}
	return kinds
}

type fixture struct {
	store      *recordingStore
	broker     *queue.MemoryBroker
	runner     *fixedRunner
	notifier   *recordingNotifier
	dispatcher *alert.Dispatcher
	service    *Service
}

func newFixture(t *testing.T, results []checker.CheckResult) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	f := &fixture{
		store:    newRecordingStore(),
		broker:   queue.NewMemoryBroker(logger, time.UTC),
		runner:   &fixedRunner{results: results},
		notifier: &recordingNotifier{},
	}
	t.Cleanup(func() { _ = f.broker.Close() })

	require.NoError(t, f.store.SaveUser(ctx, &domain.User{ID: "user-1", Email: "owner@shop.test", NotificationsEnabled: true}))
	require.NoError(t, f.store.SaveSite(ctx, &domain.Site{ID: "site-1", UserID: "user-1", Name: "Shop", URL: "https://shop.test", IsActive: true, Cadence: domain.CadenceDaily}))
	require.NoError(t, f.store.SaveSite(ctx, &domain.Site{ID: "site-off", UserID: "user-1", URL: "https://off.test", IsActive: false, Cadence: domain.CadenceDaily}))
	require.NoError(t, f.store.SaveSite(ctx, &domain.Site{ID: "site-manual", UserID: "user-1", URL: "https://manual.test", IsActive: true, Cadence: domain.CadenceNone}))

	f.dispatcher = alert.NewDispatcher(f.store, f.notifier, logger, nil)
	f.service = NewService(f.store, f.broker, f.runner, f.dispatcher, logger)
	return f
}

func (f *fixture) receive(t *testing.T) *queue.Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := f.broker.Receive(ctx)
	require.NoError(t, err)
	return d
}

func (f *fixture) seedCompleted(t *testing.T, siteID string, score int, at time.Time) {
	t.Helper()
	sc, err := domain.New(siteID, at)
	require.NoError(t, err)
	require.NoError(t, sc.Start(at))
	require.NoError(t, sc.Complete(score, at))
	require.NoError(t, f.store.MemoryStore.CreateScan(context.Background(), sc))
}

// hardenedSite is every check passing across all four categories.
func hardenedSite() []checker.CheckResult {
	var results []checker.CheckResult
	for _, category := range []string{checker.CategoryHeaders, checker.CategorySSL, checker.CategoryOWASP, checker.CategoryPerformance} {
		results = append(results,
			checker.CheckResult{Category: category, CheckName: category + "-a", Severity: checker.SeverityPass},
			checker.CheckResult{Category: category, CheckName: category + "-b", Severity: checker.SeverityPass},
		)
	}
	return results
}

// degradedSite scores 70 in every category without critical findings.
func degradedSite() []checker.CheckResult {
	var results []checker.CheckResult
	for _, category := range []string{checker.CategoryHeaders, checker.CategorySSL, checker.CategoryOWASP, checker.CategoryPerformance} {
		results = append(results,
			checker.CheckResult{Category: category, CheckName: "Content-Security-Policy", Severity: checker.SeverityPass},
			checker.CheckResult{Category: category, CheckName: "X-Frame-Options", Severity: checker.SeverityWarning},
		)
	}
	return results
}

func TestTriggerScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	require.NotEmpty(t, triggered.JobID)

	sc, err := f.store.GetScan(ctx, triggered.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, sc.Status())
	assert.Equal(t, "site-1", sc.SiteID())

	info, err := f.broker.JobInfo(ctx, triggered.JobID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobName, info.Name)
	assert.Equal(t, triggered.ScanID, info.Job.ScanID)
	assert.Equal(t, "https://shop.test", info.Job.SiteURL)
	assert.Equal(t, "site-1", info.Job.SiteID)
	assert.Equal(t, constants.DefaultJobAttempts, info.MaxAttempts)

	_, err = f.service.TriggerScan(ctx, "https://shop.test", "site-off")
	assert.ErrorIs(t, err, sharedErrors.ErrSiteInactive)

	_, err = f.service.TriggerScan(ctx, "https://shop.test", "missing")
	assert.ErrorIs(t, err, sharedErrors.ErrSiteNotFound)
}

func TestHandle_HardenedSiteCompletesWithoutCriticalAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)

	require.NoError(t, f.service.Handle(ctx, f.receive(t)))
	f.dispatcher.Wait()

	sc, results, err := f.service.GetScan(ctx, triggered.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sc.Status())
	require.NotNil(t, sc.OverallScore())
	assert.Equal(t, 100, *sc.OverallScore())
	assert.Len(t, results, 8)
	assert.Zero(t, checker.CountSeverity(results, checker.SeverityCritical))

	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}, f.store.history(triggered.ScanID))
	assert.Equal(t, []string{alert.KindScanComplete}, f.notifier.kinds())
}

func TestHandle_ScoreDropTriggersCriticalAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, degradedSite())
	f.seedCompleted(t, "site-1", 90, time.Now().Add(-24*time.Hour))

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)

	require.NoError(t, f.service.Handle(ctx, f.receive(t)))
	f.dispatcher.Wait()

	sc, err := f.store.GetScan(ctx, triggered.ScanID)
	require.NoError(t, err)
	require.NotNil(t, sc.OverallScore())
	assert.Equal(t, 70, *sc.OverallScore())

	assert.ElementsMatch(t, []string{alert.KindScanComplete, alert.KindCriticalAlert}, f.notifier.kinds())
}

func TestHandle_RecommendationsFilled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, degradedSite())

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	require.NoError(t, f.service.Handle(ctx, f.receive(t)))
	f.dispatcher.Wait()

	results, err := f.store.ListResults(ctx, triggered.ScanID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Severity == checker.SeverityWarning {
			assert.Equal(t, checker.RecommendationFor("X-Frame-Options"), r.Recommendation)
		} else {
			assert.Empty(t, r.Recommendation)
		}
	}
}

func TestHandle_ScheduledJobCreatesScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())

	_, err := f.broker.Enqueue(ctx, constants.JobName, queue.Job{SiteID: "site-1", Scheduled: true}, queue.DefaultOptions())
	require.NoError(t, err)

	d := f.receive(t)
	require.NoError(t, f.service.Handle(ctx, d))
	f.dispatcher.Wait()

	require.NotEmpty(t, d.Job.ScanID)
	assert.Equal(t, "https://shop.test", d.Job.SiteURL)
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}, f.store.history(d.Job.ScanID))
}

func TestHandle_ScheduledJobForUnscheduledSiteIsDropped(t *testing.T) {
	ctx := context.Background()

	// Inactive, deleted, and switched to NONE after the job was enqueued.
	for _, siteID := range []string{"site-off", "deleted", "site-manual"} {
		t.Run(siteID, func(t *testing.T) {
			f := newFixture(t, hardenedSite())
			d := &queue.Delivery{ID: "job-1", Job: queue.Job{SiteID: siteID, Scheduled: true}, Attempt: 1, MaxAttempts: 3}

			require.NoError(t, f.service.Handle(ctx, d))
			assert.Empty(t, d.Job.ScanID)
			assert.Empty(t, f.store.scanIDs())
			assert.Zero(t, f.runner.calls.Load())
		})
	}
}

func TestHandle_RetryResumesRunningScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())
	f.store.failInsert.Store(1)

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	d := f.receive(t)

	err = f.service.Handle(ctx, d)
	require.Error(t, err)

	sc, err := f.store.GetScan(ctx, triggered.ScanID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, sc.Status())

	require.NoError(t, f.service.Handle(ctx, d))
	f.dispatcher.Wait()

	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusCompleted}, f.store.history(triggered.ScanID))
	assert.Equal(t, int32(2), f.runner.calls.Load())
}

func TestHandle_FinishedScanIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())

	triggered, err := f.service.TriggerScan(ctx, "", "site-1")
	require.NoError(t, err)
	d := f.receive(t)
	require.NoError(t, f.service.Handle(ctx, d))
	f.dispatcher.Wait()

	require.NoError(t, f.service.Handle(ctx, d))
	assert.Equal(t, int32(1), f.runner.calls.Load())
	assert.Len(t, f.store.history(triggered.ScanID), 3)
}

func TestHandleTerminalFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("pending scan passes through running", func(t *testing.T) {
		f := newFixture(t, hardenedSite())
		triggered, err := f.service.TriggerScan(ctx, "", "site-1")
		require.NoError(t, err)
		d := f.receive(t)

		f.service.HandleTerminalFailure(ctx, d, errors.New(strings.Repeat("x", 1500)))

		sc, err := f.store.GetScan(ctx, triggered.ScanID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, sc.Status())
		assert.Len(t, sc.ErrorMessage(), constants.MaxErrorMessageLength)
		assert.False(t, sc.CompletedAt().IsZero())
		assert.Nil(t, sc.OverallScore())
		assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusFailed}, f.store.history(triggered.ScanID))
	})

	t.Run("running write failure stops before failing", func(t *testing.T) {
		f := newFixture(t, hardenedSite())
		triggered, err := f.service.TriggerScan(ctx, "", "site-1")
		require.NoError(t, err)
		d := f.receive(t)
		f.store.failUpdate.Store(1)

		f.service.HandleTerminalFailure(ctx, d, errors.New("boom"))

		assert.Equal(t, []domain.Status{domain.StatusPending}, f.store.history(triggered.ScanID))
		sc, err := f.store.GetScan(ctx, triggered.ScanID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, sc.Status())
	})

	t.Run("completed scan is left alone", func(t *testing.T) {
		f := newFixture(t, hardenedSite())
		triggered, err := f.service.TriggerScan(ctx, "", "site-1")
		require.NoError(t, err)
		d := f.receive(t)
		require.NoError(t, f.service.Handle(ctx, d))
		f.dispatcher.Wait()

		f.service.HandleTerminalFailure(ctx, d, errors.New("late failure"))

		sc, err := f.store.GetScan(ctx, triggered.ScanID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, sc.Status())
	})

	t.Run("job without scan", func(t *testing.T) {
		f := newFixture(t, hardenedSite())
		f.service.HandleTerminalFailure(ctx, &queue.Delivery{ID: "job-1", Job: queue.Job{SiteID: "site-1", Scheduled: true}}, errors.New("boom"))
		assert.Empty(t, f.store.scanIDs())
	})
}

func TestWorkerPoolMarksScanFailedAfterRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hardenedSite())
	f.store.failInsert.Store(100)

	sc, err := domain.New("site-1", time.Now())
	require.NoError(t, err)
	require.NoError(t, f.store.CreateScan(ctx, sc))

	opts := queue.DefaultOptions()
	opts.Backoff = time.Millisecond
	_, err = f.broker.Enqueue(ctx, constants.JobName, queue.Job{ScanID: sc.ID(), SiteURL: "https://shop.test", SiteID: "site-1"}, opts)
	require.NoError(t, err)

	pool := worker.NewPool(f.broker, f.service, worker.Config{Concurrency: 2}, zaptest.NewLogger(t), nil)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(runCtx)
	}()

	require.Eventually(t, func() bool {
		got, err := f.store.GetScan(ctx, sc.ID())
		return err == nil && got.Status() == domain.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	got, err := f.store.GetScan(ctx, sc.ID())
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage(), "database unavailable")
	assert.Equal(t, int32(3), f.runner.calls.Load())
	assert.Equal(t, []domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusFailed}, f.store.history(sc.ID()))
}
