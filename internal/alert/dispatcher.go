package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
)

const defaultDeliveryTimeout = 30 * time.Second

// Notification kinds reported to the Observer.
const (
	KindScanComplete  = "scan_complete"
	KindCriticalAlert = "critical_alert"
)

// Notifier delivers notifications to a user.
type Notifier interface {
	SendScanComplete(ctx context.Context, user *scan.User, site *scan.Site, score int, scanID string) error
	SendCriticalAlert(ctx context.Context, user *scan.User, site *scan.Site, score, criticalCount int) error
}

// OwnerLookup resolves the site and owner of a scan.
type OwnerLookup interface {
	GetSite(ctx context.Context, id string) (*scan.Site, error)
	GetSiteOwner(ctx context.Context, siteID string) (*scan.User, error)
}

// Observer is told about every delivery attempt.
type Observer interface {
	ObserveNotification(kind string, err error)
}

// Dispatcher sends notifications without blocking the caller. Delivery
// errors are logged and never reach the scan.
type Dispatcher struct {
	lookup   OwnerLookup
	notifier Notifier
	logger   *zap.Logger
	observer Observer
	timeout  time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. observer may be nil.
func NewDispatcher(lookup OwnerLookup, notifier Notifier, logger *zap.Logger, observer Observer) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		lookup:   lookup,
		notifier: notifier,
		logger:   logger,
		observer: observer,
		timeout:  defaultDeliveryTimeout,
	}
}

// ScanCompleted evaluates in and delivers the resulting notifications in the
// background. It returns the decision immediately.
func (d *Dispatcher) ScanCompleted(ctx context.Context, in Input) Decision {
	decision := Evaluate(in)

	deliveryCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("notification delivery panicked",
					zap.String("scan_id", in.ScanID),
					zap.Error(fmt.Errorf("panic: %v", r)),
				)
			}
		}()

		ctx, cancel := context.WithTimeout(deliveryCtx, d.timeout)
		defer cancel()
		d.deliver(ctx, in, decision)
	}()

	return decision
}

func (d *Dispatcher) deliver(ctx context.Context, in Input, decision Decision) {
	log := d.logger.With(zap.String("scan_id", in.ScanID), zap.String("site_id", in.SiteID))

	site, err := d.lookup.GetSite(ctx, in.SiteID)
	if err != nil {
		log.Warn("cannot notify: site lookup failed", zap.Error(err))
		return
	}
	user, err := d.lookup.GetSiteOwner(ctx, in.SiteID)
	if err != nil {
		log.Warn("cannot notify: owner lookup failed", zap.Error(err))
		return
	}
	if !user.NotificationsEnabled {
		log.Info("notifications disabled for user", zap.String("user_id", user.ID))
		return
	}

	if decision.ScanComplete {
		err := d.notifier.SendScanComplete(ctx, user, site, in.Score, in.ScanID)
		d.record(log, KindScanComplete, err)
	}
	if decision.CriticalAlert {
		err := d.notifier.SendCriticalAlert(ctx, user, site, in.Score, in.CriticalCount)
		d.record(log, KindCriticalAlert, err)
	}
}

func (d *Dispatcher) record(log *zap.Logger, kind string, err error) {
	if d.observer != nil {
		d.observer.ObserveNotification(kind, err)
	}
	if err != nil {
		log.Error("notification delivery failed", zap.String("kind", kind), zap.Error(err))
		return
	}
	log.Info("notification sent", zap.String("kind", kind))
}

// Wait blocks until every background delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
