package checker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeObserver receives timing for every probe invocation.
type ProbeObserver interface {
	ObserveProbe(probe string, duration time.Duration, results int, panicked bool)
}

// Orchestrator fans a target out to every probe and gathers the results.
type Orchestrator struct {
	probes   []Probe
	logger   *zap.Logger
	observer ProbeObserver
}

// NewOrchestrator creates an orchestrator over the given probes. With no
// probes it uses DefaultProbes.
func NewOrchestrator(logger *zap.Logger, observer ProbeObserver, probes ...Probe) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(probes) == 0 {
		probes = DefaultProbes(nil)
	}
	return &Orchestrator{
		probes:   probes,
		logger:   logger,
		observer: observer,
	}
}

// DefaultProbes returns the four standard probes sharing one HTTP client.
func DefaultProbes(client *http.Client) []Probe {
	return []Probe{
		&HeaderProbe{Client: client},
		&TLSProbe{Client: client},
		&HygieneProbe{Client: client},
		&PerformanceProbe{Client: client},
	}
}

// RunAllChecks runs every probe concurrently against target. A probe that
// panics contributes no results; the others are unaffected. Results are
// concatenated in probe order.
func (o *Orchestrator) RunAllChecks(ctx context.Context, target string) []CheckResult {
	perProbe := make([][]CheckResult, len(o.probes))

	var wg sync.WaitGroup
	for i, probe := range o.probes {
		wg.Add(1)
		go func(i int, probe Probe) {
			defer wg.Done()
			perProbe[i] = o.runProbe(ctx, probe, target)
		}(i, probe)
	}
	wg.Wait()

	var total int
	for _, rs := range perProbe {
		total += len(rs)
	}
	results := make([]CheckResult, 0, total)
	for _, rs := range perProbe {
		results = append(results, rs...)
	}
	return results
}

func (o *Orchestrator) runProbe(ctx context.Context, probe Probe, target string) (results []CheckResult) {
	name := probe.Name()
	start := time.Now()
	panicked := false

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			results = nil
			o.logger.Error("probe failed",
				zap.String("probe", name),
				zap.String("target", target),
				zap.Error(fmt.Errorf("panic: %v", r)),
			)
		} else {
			o.logger.Info("probe completed",
				zap.String("probe", name),
				zap.Int("checks", len(results)),
			)
		}
		if o.observer != nil {
			o.observer.ObserveProbe(name, time.Since(start), len(results), panicked)
		}
	}()

	return probe.Run(ctx, target)
}
