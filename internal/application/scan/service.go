package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/alert"
	"github.com/khanhnv2901/securiscan/internal/checker"
	domain "github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/scoring"
	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// CheckRunner runs every probe against a URL.
type CheckRunner interface {
	RunAllChecks(ctx context.Context, target string) []checker.CheckResult
}

// AlertTrigger is notified when a scan completes.
type AlertTrigger interface {
	ScanCompleted(ctx context.Context, in alert.Input) alert.Decision
}

// Triggered identifies an on-demand scan and the job carrying it.
type Triggered struct {
	ScanID string `json:"scanId"`
	JobID  string `json:"jobId"`
}

// Report is the outcome of a synchronous check run.
type Report struct {
	URL            string                `json:"url"`
	Score          int                   `json:"score"`
	Grade          string                `json:"grade"`
	CategoryScores map[string]float64    `json:"categoryScores"`
	Results        []checker.CheckResult `json:"results"`
}

// Service drives the scan lifecycle: it creates scans, runs them from queue
// deliveries and records their outcome.
type Service struct {
	store  domain.Store
	broker queue.Broker
	runner CheckRunner
	alerts AlertTrigger
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a scan service. alerts may be nil.
func NewService(store domain.Store, broker queue.Broker, runner CheckRunner, alerts AlertTrigger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  store,
		broker: broker,
		runner: runner,
		alerts: alerts,
		logger: logger,
		now:    time.Now,
	}
}

// TriggerScan creates a pending scan for an active site and enqueues it.
// An empty siteURL uses the site's registered URL.
func (s *Service) TriggerScan(ctx context.Context, siteURL, siteID string) (*Triggered, error) {
	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	if !site.IsActive {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrSiteInactive, siteID)
	}
	if siteURL == "" {
		siteURL = site.URL
	}

	sc, err := domain.New(site.ID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateScan(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}

	jobID, err := s.broker.Enqueue(ctx, constants.JobName, queue.Job{
		ScanID:  sc.ID(),
		SiteURL: siteURL,
		SiteID:  site.ID,
	}, queue.DefaultOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue scan %s: %w", sc.ID(), err)
	}

	s.logger.Info("scan triggered",
		zap.String("scan_id", sc.ID()),
		zap.String("site_id", site.ID),
		zap.String("job_id", jobID),
	)
	return &Triggered{ScanID: sc.ID(), JobID: jobID}, nil
}

// Handle runs one delivery of a scan job. A returned error makes the queue
// retry the job.
func (s *Service) Handle(ctx context.Context, d *queue.Delivery) error {
	log := s.logger.With(zap.String("job_id", d.ID), zap.Int("attempt", d.Attempt))

	sc, err := s.resolveScan(ctx, log, d)
	if err != nil || sc == nil {
		return err
	}
	log = log.With(zap.String("scan_id", sc.ID()))

	switch sc.Status() {
	case domain.StatusCompleted, domain.StatusFailed:
		log.Info("scan already finished, skipping", zap.String("status", string(sc.Status())))
		return nil
	case domain.StatusRunning:
		log.Info("resuming running scan")
	case domain.StatusPending:
		if err := sc.Start(s.now()); err != nil {
			return err
		}
		if err := s.store.UpdateScan(ctx, sc); err != nil {
			return fmt.Errorf("failed to mark scan running: %w", err)
		}
	}

	log.Info("scan started", zap.String("url", d.Job.SiteURL))
	results := s.runner.RunAllChecks(ctx, d.Job.SiteURL)
	checker.FillRecommendations(results)
	score := scoring.Calculate(results)

	if err := s.store.BulkInsertResults(ctx, sc.ID(), results); err != nil {
		return fmt.Errorf("failed to store check results: %w", err)
	}

	// Read the previous score before this scan becomes the latest completed
	// one.
	previous, err := s.store.GetPreviousCompletedScore(ctx, sc.SiteID(), sc.ID())
	if err != nil {
		return fmt.Errorf("failed to read previous score: %w", err)
	}

	if err := sc.Complete(score, s.now()); err != nil {
		return err
	}
	if err := s.store.UpdateScan(ctx, sc); err != nil {
		return fmt.Errorf("failed to mark scan completed: %w", err)
	}

	criticalCount := checker.CountSeverity(results, checker.SeverityCritical)
	log.Info("scan completed",
		zap.Int("score", score),
		zap.Int("checks", len(results)),
		zap.Int("critical", criticalCount),
	)

	if s.alerts != nil {
		s.alerts.ScanCompleted(ctx, alert.Input{
			ScanID:        sc.ID(),
			SiteID:        sc.SiteID(),
			Score:         score,
			CriticalCount: criticalCount,
			PreviousScore: previous,
		})
	}
	return nil
}

// resolveScan loads the delivery's scan, creating it for scheduled jobs.
// A nil scan with a nil error means the job should be dropped.
func (s *Service) resolveScan(ctx context.Context, log *zap.Logger, d *queue.Delivery) (*domain.Scan, error) {
	if d.Job.ScanID != "" {
		sc, err := s.store.GetScan(ctx, d.Job.ScanID)
		if errors.Is(err, sharedErrors.ErrScanNotFound) {
			log.Warn("scan no longer exists, dropping job", zap.String("scan_id", d.Job.ScanID))
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get scan: %w", err)
		}
		return sc, nil
	}

	if !d.Job.Scheduled {
		log.Warn("job has no scan and is not scheduled, dropping")
		return nil, nil
	}

	site, err := s.store.GetSite(ctx, d.Job.SiteID)
	if errors.Is(err, sharedErrors.ErrSiteNotFound) {
		log.Info("scheduled site no longer exists, dropping job", zap.String("site_id", d.Job.SiteID))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get site: %w", err)
	}
	if !site.IsActive {
		log.Info("scheduled site is inactive, dropping job", zap.String("site_id", site.ID))
		return nil, nil
	}
	if !site.Recurring() {
		// The registration was removed after this job was enqueued.
		log.Info("scheduled site has no cadence, dropping job", zap.String("site_id", site.ID))
		return nil, nil
	}

	sc, err := domain.New(site.ID, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateScan(ctx, sc); err != nil {
		return nil, fmt.Errorf("failed to create scheduled scan: %w", err)
	}

	// Retries of this delivery carry the new scan instead of creating another.
	d.Job.ScanID = sc.ID()
	d.Job.SiteURL = site.URL
	log.Info("scheduled scan created", zap.String("scan_id", sc.ID()), zap.String("site_id", site.ID))
	return sc, nil
}

// HandleTerminalFailure marks the job's scan FAILED once retries are
// exhausted.
func (s *Service) HandleTerminalFailure(ctx context.Context, d *queue.Delivery, cause error) {
	log := s.logger.With(zap.String("job_id", d.ID), zap.String("scan_id", d.Job.ScanID))
	if d.Job.ScanID == "" {
		log.Warn("job failed before a scan was created")
		return
	}

	sc, err := s.store.GetScan(ctx, d.Job.ScanID)
	if err != nil {
		log.Error("failed to load scan to mark it failed", zap.Error(err))
		return
	}
	if sc.Status().Terminal() {
		return
	}

	now := s.now()
	if sc.Status() == domain.StatusPending {
		// Keep the recorded status sequence PENDING, RUNNING, FAILED.
		if err := sc.Start(now); err != nil {
			log.Error("failed to transition scan", zap.Error(err))
			return
		}
		if err := s.store.UpdateScan(ctx, sc); err != nil {
			log.Error("failed to mark scan running", zap.Error(err))
			return
		}
	}

	message := "scan failed"
	if cause != nil {
		message = cause.Error()
	}
	if err := sc.Fail(message, constants.MaxErrorMessageLength, now); err != nil {
		log.Error("failed to transition scan", zap.Error(err))
		return
	}
	if err := s.store.UpdateScan(ctx, sc); err != nil {
		log.Error("failed to mark scan failed", zap.Error(err))
		return
	}
	log.Warn("scan marked failed", zap.String("error", sc.ErrorMessage()))
}

// GetScan returns a scan with its check results.
func (s *Service) GetScan(ctx context.Context, id string) (*domain.Scan, []checker.CheckResult, error) {
	sc, err := s.store.GetScan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	results, err := s.store.ListResults(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list results: %w", err)
	}
	return sc, results, nil
}

// Check runs every probe against url synchronously, without persisting
// anything.
func (s *Service) Check(ctx context.Context, url string) *Report {
	results := s.runner.RunAllChecks(ctx, url)
	checker.FillRecommendations(results)
	score := scoring.Calculate(results)
	return &Report{
		URL:            url,
		Score:          score,
		Grade:          scoring.Grade(score),
		CategoryScores: scoring.CategoryScores(results),
		Results:        results,
	}
}
