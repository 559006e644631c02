// Package metrics provides the Prometheus collectors for probes, jobs,
// notifications and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// MetricsNamespace is the namespace for all metrics.
	MetricsNamespace = "securiscan"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	// Probe metrics
	ProbeDurationSeconds *prometheus.HistogramVec
	ProbeResultsTotal    *prometheus.CounterVec
	ProbePanicsTotal     *prometheus.CounterVec

	// Job metrics
	JobsProcessedTotal *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec

	// API metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPDurationSeconds *prometheus.HistogramVec
}

// New creates and registers all metrics on a fresh registry that also
// carries the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers all metrics on reg and serves them from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{registry: gatherer}

	m.initProbeMetrics(factory)
	m.initJobMetrics(factory)
	m.initNotificationMetrics(factory)
	m.initHTTPMetrics(factory)

	return m
}

func (m *Metrics) initProbeMetrics(factory promauto.Factory) {
	m.ProbeDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Duration of a single probe run in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"probe"},
	)

	m.ProbeResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Total number of check results produced",
		},
		[]string{"probe"},
	)

	m.ProbePanicsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "probe",
			Name:      "panics_total",
			Help:      "Total number of probe runs that crashed",
		},
		[]string{"probe"},
	)
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsProcessedTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "worker",
			Name:      "jobs_processed_total",
			Help:      "Total number of scan job deliveries by outcome",
		},
		[]string{"outcome"},
	)

	m.JobDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Duration of scan job deliveries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~51s
		},
		[]string{"outcome"},
	)
}

func (m *Metrics) initNotificationMetrics(factory promauto.Factory) {
	m.NotificationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "alert",
			Name:      "notifications_total",
			Help:      "Total number of notification attempts",
		},
		[]string{"kind", "status"},
	)
}

func (m *Metrics) initHTTPMetrics(factory promauto.Factory) {
	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of API requests",
		},
		[]string{"method", "route", "code"},
	)

	m.HTTPDurationSeconds = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Duration of API requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
}

// ObserveProbe records one probe run.
func (m *Metrics) ObserveProbe(probe string, duration time.Duration, results int, panicked bool) {
	if m == nil {
		return
	}
	m.ProbeDurationSeconds.WithLabelValues(probe).Observe(duration.Seconds())
	m.ProbeResultsTotal.WithLabelValues(probe).Add(float64(results))
	if panicked {
		m.ProbePanicsTotal.WithLabelValues(probe).Inc()
	}
}

// ObserveJob records one processed delivery.
func (m *Metrics) ObserveJob(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.JobsProcessedTotal.WithLabelValues(outcome).Inc()
	m.JobDurationSeconds.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveNotification records one delivery attempt.
func (m *Metrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	status := "sent"
	if err != nil {
		status = "failed"
	}
	m.NotificationsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveRequest records one API request.
func (m *Metrics) ObserveRequest(method, route string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
