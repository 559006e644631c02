package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/khanhnv2901/securiscan/internal/domain/scan"
)

func intPtr(v int) *int { return &v }

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		critical bool
	}{
		{"healthy first scan", Input{Score: 100}, false},
		{"low score", Input{Score: 49}, true},
		{"score exactly 50", Input{Score: 50}, false},
		{"critical findings", Input{Score: 95, CriticalCount: 1}, true},
		{"drop of 20", Input{Score: 70, PreviousScore: intPtr(90)}, true},
		{"drop of exactly 10", Input{Score: 80, PreviousScore: intPtr(90)}, true},
		{"drop of 9", Input{Score: 81, PreviousScore: intPtr(90)}, false},
		{"improvement", Input{Score: 95, PreviousScore: intPtr(60)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Evaluate(tt.in)
			assert.True(t, d.ScanComplete)
			assert.Equal(t, tt.critical, d.CriticalAlert, "reasons: %v", d.Reasons)
		})
	}
}

func TestEvaluate_ScoreDropScenario(t *testing.T) {
	d := Evaluate(Input{Score: 70, CriticalCount: 0, PreviousScore: intPtr(90)})
	require.True(t, d.CriticalAlert)
	assert.Equal(t, []string{"score dropped by 20 points"}, d.Reasons)
}

type fakeLookup struct {
	site    *scan.Site
	user    *scan.User
	siteErr error
}

func (f *fakeLookup) GetSite(ctx context.Context, id string) (*scan.Site, error) {
	return f.site, f.siteErr
}

func (f *fakeLookup) GetSiteOwner(ctx context.Context, siteID string) (*scan.User, error) {
	return f.user, nil
}

type fakeNotifier struct {
	mu          sync.Mutex
	completes   []string
	criticals   []int
	completeErr error
}

func (f *fakeNotifier) SendScanComplete(ctx context.Context, user *scan.User, site *scan.Site, score int, scanID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completes = append(f.completes, scanID)
	return f.completeErr
}

func (f *fakeNotifier) SendCriticalAlert(ctx context.Context, user *scan.User, site *scan.Site, score, criticalCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.criticals = append(f.criticals, criticalCount)
	return nil
}

func TestDispatcher_SendsBothNotices(t *testing.T) {
	lookup := &fakeLookup{
		site: &scan.Site{ID: "site-1", Name: "Shop"},
		user: &scan.User{ID: "u1", NotificationsEnabled: true},
	}
	notifier := &fakeNotifier{}
	d := NewDispatcher(lookup, notifier, zap.NewNop(), nil)

	decision := d.ScanCompleted(context.Background(), Input{ScanID: "scan-1", SiteID: "site-1", Score: 30, CriticalCount: 2})
	d.Wait()

	assert.True(t, decision.CriticalAlert)
	assert.Equal(t, []string{"scan-1"}, notifier.completes)
	assert.Equal(t, []int{2}, notifier.criticals)
}

func TestDispatcher_NoCriticalForHealthyScan(t *testing.T) {
	lookup := &fakeLookup{
		site: &scan.Site{ID: "site-1"},
		user: &scan.User{ID: "u1", NotificationsEnabled: true},
	}
	notifier := &fakeNotifier{}
	d := NewDispatcher(lookup, notifier, nil, nil)

	d.ScanCompleted(context.Background(), Input{ScanID: "scan-1", SiteID: "site-1", Score: 100})
	d.Wait()

	assert.Len(t, notifier.completes, 1)
	assert.Empty(t, notifier.criticals)
}

func TestDispatcher_RespectsPreference(t *testing.T) {
	lookup := &fakeLookup{
		site: &scan.Site{ID: "site-1"},
		user: &scan.User{ID: "u1", NotificationsEnabled: false},
	}
	notifier := &fakeNotifier{}
	d := NewDispatcher(lookup, notifier, nil, nil)

	d.ScanCompleted(context.Background(), Input{ScanID: "scan-1", SiteID: "site-1", Score: 10, CriticalCount: 5})
	d.Wait()

	assert.Empty(t, notifier.completes)
	assert.Empty(t, notifier.criticals)
}

func TestDispatcher_DeliveryFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	lookup := &fakeLookup{
		site: &scan.Site{ID: "site-1"},
		user: &scan.User{ID: "u1", NotificationsEnabled: true},
	}
	notifier := &fakeNotifier{completeErr: errors.New("smtp down")}
	d := NewDispatcher(lookup, notifier, zap.New(core), nil)

	ctx, cancel := context.WithCancel(context.Background())
	d.ScanCompleted(ctx, Input{ScanID: "scan-1", SiteID: "site-1", Score: 20})
	cancel()
	d.Wait()

	assert.Equal(t, 1, logs.FilterMessage("notification delivery failed").Len())
	assert.Equal(t, []int{0}, notifier.criticals, "critical alert is still attempted after a failed notice")
}

func TestDispatcher_LookupFailure(t *testing.T) {
	lookup := &fakeLookup{siteErr: errors.New("db gone")}
	notifier := &fakeNotifier{}
	d := NewDispatcher(lookup, notifier, nil, nil)

	d.ScanCompleted(context.Background(), Input{ScanID: "scan-1", SiteID: "site-1", Score: 20})
	d.Wait()

	assert.Empty(t, notifier.completes)
}
