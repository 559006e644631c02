package checker

import (
	"context"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultProbeTimeout bounds the header, TLS and hygiene probes.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultPerformanceTimeout is longer so slow targets still get measured.
	DefaultPerformanceTimeout = 30 * time.Second

	userAgent = "securiscan/1.0 (+https://github.com/khanhnv2901/securiscan)"

	// maxInspectBytes caps how much of an error page is scanned for signatures.
	maxInspectBytes = 1 << 20
)

// Probe is a single-purpose network check. Run never fails: expected network
// errors are reported as results.
type Probe interface {
	// Name returns the result category the probe reports under.
	Name() string

	Run(ctx context.Context, target string) []CheckResult
}

func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: http.DefaultTransport,
	}
}

// withoutRedirects returns a shallow copy of client that hands back 3xx
// responses instead of following them.
func withoutRedirects(client *http.Client) *http.Client {
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &c
}

func fetch(ctx context.Context, client *http.Client, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	return client.Do(req)
}

// drain discards the rest of a body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxInspectBytes))
	_ = resp.Body.Close()
}

func timeoutOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
