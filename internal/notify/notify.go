// Package notify delivers scan notifications to chat webhooks and logs.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/alert"
	"github.com/khanhnv2901/securiscan/internal/domain/scan"
)

// ScanCompleteSubject is the headline of a scan-complete notice.
func ScanCompleteSubject(siteName string, score int) string {
	return fmt.Sprintf("Scan complete for %s - Score: %d/100", siteName, score)
}

// CriticalAlertSubject is the headline of a critical alert.
func CriticalAlertSubject(siteName string, criticalCount int) string {
	noun := "issues"
	if criticalCount == 1 {
		noun = "issue"
	}
	return fmt.Sprintf("Security Alert: %d critical %s found on %s", criticalCount, noun, siteName)
}

// LogNotifier writes notifications to the log. It is the fallback when no
// webhook is configured.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendScanComplete(ctx context.Context, user *scan.User, site *scan.Site, score int, scanID string) error {
	n.logger.Info(ScanCompleteSubject(site.DisplayName(), score),
		zap.String("user_email", user.Email),
		zap.String("site_url", site.URL),
		zap.String("scan_id", scanID),
	)
	return nil
}

func (n *LogNotifier) SendCriticalAlert(ctx context.Context, user *scan.User, site *scan.Site, score, criticalCount int) error {
	n.logger.Warn(CriticalAlertSubject(site.DisplayName(), criticalCount),
		zap.String("user_email", user.Email),
		zap.String("site_url", site.URL),
		zap.Int("score", score),
	)
	return nil
}

// Multi fans a notification out to several notifiers and joins their errors.
type Multi []alert.Notifier

func (m Multi) SendScanComplete(ctx context.Context, user *scan.User, site *scan.Site, score int, scanID string) error {
	var errs []error
	for _, n := range m {
		if err := n.SendScanComplete(ctx, user, site, score, scanID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) SendCriticalAlert(ctx context.Context, user *scan.User, site *scan.Site, score, criticalCount int) error {
	var errs []error
	for _, n := range m {
		if err := n.SendCriticalAlert(ctx, user, site, score, criticalCount); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
