// Package scheduler keeps each site's recurring scan registration in line
// with its cadence.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

// Scans fire at 02:00 in the broker's time zone.
var cronPatterns = map[scan.Cadence]string{
	scan.CadenceDaily:   "0 2 * * *",
	scan.CadenceWeekly:  "0 2 * * 1",
	scan.CadenceMonthly: "0 2 1 * *",
}

// CronPattern returns the schedule for a cadence. NONE and unknown cadences
// have none.
func CronPattern(c scan.Cadence) (string, bool) {
	p, ok := cronPatterns[c]
	return p, ok
}

// RecurringKey is the stable registration key of a site's recurring scan.
func RecurringKey(siteID string) string {
	return constants.RecurringKeyPrefix + siteID
}

// Store is the site data the scheduler reads and writes.
type Store interface {
	GetSite(ctx context.Context, id string) (*scan.Site, error)
	UpdateSiteCadence(ctx context.Context, siteID string, cadence scan.Cadence) error
	ListActiveSitesWithCadence(ctx context.Context) ([]*scan.Site, error)
}

// RestoreReport summarises a reconciliation pass.
type RestoreReport struct {
	Registered int `json:"registered"`
	Unchanged  int `json:"unchanged"`
	Removed    int `json:"removed"`
	Failed     int `json:"failed"`
}

// Service registers and removes recurring scans on the broker.
type Service struct {
	store  Store
	broker queue.Broker
	logger *zap.Logger
}

// NewService creates a scheduler
func NewService(store Store, broker queue.Broker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, broker: broker, logger: logger}
}

// ScheduleRecurringScan replaces the site's recurring scan with one for
// cadence. NONE only removes it.
func (s *Service) ScheduleRecurringScan(ctx context.Context, siteID string, cadence scan.Cadence) error {
	key := RecurringKey(siteID)
	if err := s.broker.RemoveRecurring(ctx, key); err != nil {
		return fmt.Errorf("failed to remove recurring scan %s: %w", key, err)
	}

	if cadence == scan.CadenceNone {
		s.logger.Info("recurring scan removed", zap.String("site_id", siteID))
		return nil
	}

	pattern, ok := CronPattern(cadence)
	if !ok {
		return fmt.Errorf("%w: %q", sharedErrors.ErrInvalidCadence, cadence)
	}

	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to get site: %w", err)
	}

	return s.register(ctx, site, pattern)
}

func (s *Service) register(ctx context.Context, site *scan.Site, pattern string) error {
	key := RecurringKey(site.ID)
	job := queue.Job{SiteURL: site.URL, SiteID: site.ID, Scheduled: true}
	if err := s.broker.RegisterRecurring(ctx, key, pattern, job); err != nil {
		return fmt.Errorf("failed to register recurring scan %s: %w", key, err)
	}

	s.logger.Info("recurring scan scheduled",
		zap.String("site_id", site.ID),
		zap.String("cadence", string(site.Cadence)),
		zap.String("pattern", pattern),
	)
	return nil
}

// UpdateCadence stores a site's new cadence and reschedules it. Inactive
// sites keep no registration.
func (s *Service) UpdateCadence(ctx context.Context, siteID string, cadence scan.Cadence) error {
	if _, ok := CronPattern(cadence); !ok && cadence != scan.CadenceNone {
		return fmt.Errorf("%w: %q", sharedErrors.ErrInvalidCadence, cadence)
	}
	if err := s.store.UpdateSiteCadence(ctx, siteID, cadence); err != nil {
		return err
	}

	site, err := s.store.GetSite(ctx, siteID)
	if err != nil {
		return fmt.Errorf("failed to get site: %w", err)
	}
	if !site.IsActive {
		cadence = scan.CadenceNone
	}
	return s.ScheduleRecurringScan(ctx, siteID, cadence)
}

// RestoreAllSchedules reconciles the broker's recurring scans with the
// store: missing or outdated registrations are written, and registrations
// of sites no longer scheduled are removed. A failure for one site is
// logged and does not stop the others.
func (s *Service) RestoreAllSchedules(ctx context.Context) (RestoreReport, error) {
	var report RestoreReport

	sites, err := s.store.ListActiveSitesWithCadence(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list scheduled sites: %w", err)
	}
	current, err := s.broker.ListRecurring(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list recurring scans: %w", err)
	}

	actual := make(map[string]queue.Recurring, len(current))
	for _, rec := range current {
		actual[rec.Key] = rec
	}

	desired := make(map[string]bool, len(sites))
	for _, site := range sites {
		key := RecurringKey(site.ID)
		log := s.logger.With(zap.String("site_id", site.ID))

		pattern, ok := CronPattern(site.Cadence)
		if !ok {
			log.Warn("site has an unknown cadence, skipping", zap.String("cadence", string(site.Cadence)))
			report.Failed++
			continue
		}
		desired[key] = true

		if rec, ok := actual[key]; ok && upToDate(rec, site, pattern) {
			report.Unchanged++
			continue
		}
		if err := s.register(ctx, site, pattern); err != nil {
			log.Error("failed to restore recurring scan", zap.Error(err))
			report.Failed++
			continue
		}
		report.Registered++
	}

	for key := range actual {
		if !strings.HasPrefix(key, constants.RecurringKeyPrefix) || desired[key] {
			continue
		}
		if err := s.broker.RemoveRecurring(ctx, key); err != nil {
			s.logger.Error("failed to remove stale recurring scan", zap.String("key", key), zap.Error(err))
			report.Failed++
			continue
		}
		report.Removed++
	}

	s.logger.Info("schedules restored",
		zap.Int("registered", report.Registered),
		zap.Int("unchanged", report.Unchanged),
		zap.Int("removed", report.Removed),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

func upToDate(rec queue.Recurring, site *scan.Site, pattern string) bool {
	return rec.Pattern == pattern &&
		rec.Job.Scheduled &&
		rec.Job.SiteID == site.ID &&
		rec.Job.SiteURL == site.URL &&
		rec.Job.ScanID == ""
}

// ListSchedules returns every recurring registration on the broker.
func (s *Service) ListSchedules(ctx context.Context) ([]queue.Recurring, error) {
	return s.broker.ListRecurring(ctx)
}
