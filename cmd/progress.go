package cmd

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// probeProgress prints one line per finished probe.
type probeProgress struct {
	out   io.Writer
	total int

	mu   sync.Mutex
	done int
}

func newProbeProgress(out io.Writer, total int) *probeProgress {
	if total <= 0 {
		total = 1
	}
	return &probeProgress{out: out, total: total}
}

func (p *probeProgress) ObserveProbe(probe string, duration time.Duration, results int, panicked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done++
	if p.done > p.total {
		p.total = p.done
	}

	mark := colorSuccess("✓")
	if panicked {
		mark = colorError("✗")
	}
	fmt.Fprintf(p.out, "%s [%d/%d] %-12s %2d checks  %s\n",
		mark, p.done, p.total, probe, results, duration.Round(time.Millisecond))
}
