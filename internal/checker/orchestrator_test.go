package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type stubProbe struct {
	name    string
	results []CheckResult
	delay   time.Duration
	panics  bool
}

func (p *stubProbe) Name() string { return p.name }

func (p *stubProbe) Run(ctx context.Context, target string) []CheckResult {
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.panics {
		panic("probe exploded")
	}
	return p.results
}

type recordingObserver struct {
	mu    sync.Mutex
	calls map[string]bool
}

func (r *recordingObserver) ObserveProbe(probe string, _ time.Duration, _ int, panicked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]bool)
	}
	r.calls[probe] = panicked
}

func TestRunAllChecks_ConcatenatesInProbeOrder(t *testing.T) {
	first := &stubProbe{name: "headers", delay: 30 * time.Millisecond, results: []CheckResult{
		{Category: CategoryHeaders, CheckName: "A", Severity: SeverityPass},
		{Category: CategoryHeaders, CheckName: "B", Severity: SeverityWarning},
	}}
	second := &stubProbe{name: "performance", results: []CheckResult{
		{Category: CategoryPerformance, CheckName: "C", Severity: SeverityInfo},
	}}

	results := NewOrchestrator(zap.NewNop(), nil, first, second).RunAllChecks(context.Background(), "https://example.com")

	want := []string{"A", "B", "C"}
	if len(results) != len(want) {
		t.Fatalf("Expected %d results, got %d", len(want), len(results))
	}
	for i, name := range want {
		if results[i].CheckName != name {
			t.Errorf("Expected result %d to be %s, got %s", i, name, results[i].CheckName)
		}
	}
}

func TestRunAllChecks_PanickingProbeIsIsolated(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	obs := &recordingObserver{}

	good := &stubProbe{name: "headers", results: []CheckResult{{Category: CategoryHeaders, CheckName: "A", Severity: SeverityPass}}}
	bad := &stubProbe{name: "ssl", panics: true}
	tail := &stubProbe{name: "owasp", results: []CheckResult{{Category: CategoryOWASP, CheckName: "D", Severity: SeverityCritical}}}

	results := NewOrchestrator(zap.New(core), obs, good, bad, tail).RunAllChecks(context.Background(), "https://example.com")

	if len(results) != 2 || results[0].CheckName != "A" || results[1].CheckName != "D" {
		t.Fatalf("Expected only results of healthy probes, got %+v", results)
	}
	entries := logs.FilterMessage("probe failed").All()
	if len(entries) != 1 {
		t.Fatalf("Expected one failure log, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["probe"]; got != "ssl" {
		t.Errorf("Expected failure log for ssl, got %v", got)
	}
	if !obs.calls["ssl"] || obs.calls["headers"] || obs.calls["owasp"] {
		t.Errorf("Expected only ssl to be observed as panicked, got %v", obs.calls)
	}
}

func TestRunAllChecks_NoResults(t *testing.T) {
	empty := &stubProbe{name: "headers"}
	results := NewOrchestrator(nil, nil, empty).RunAllChecks(context.Background(), "https://example.com")
	if len(results) != 0 {
		t.Errorf("Expected no results, got %d", len(results))
	}
}

func TestDefaultProbes(t *testing.T) {
	probes := DefaultProbes(nil)
	want := []string{CategoryHeaders, CategorySSL, CategoryOWASP, CategoryPerformance}
	if len(probes) != len(want) {
		t.Fatalf("Expected %d probes, got %d", len(want), len(probes))
	}
	for i, p := range probes {
		if p.Name() != want[i] {
			t.Errorf("Expected probe %d to be %s, got %s", i, want[i], p.Name())
		}
	}
}
