// Package metrics exposes Prometheus collectors for requests, upgrade
// attempts, live channels, shutdown and authentication.
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

const namespace = "sockroute"

// Upgrade outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeRejected  = "rejected"
	OutcomeAbandoned = "abandoned"
	OutcomeDropped   = "dropped"
)

// Metrics owns a private registry so that several servers, and tests, can
// coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upgrades        *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	live            prometheus.Gauge
	softCloses      prometheus.Counter
	authFailures    *prometheus.CounterVec
}

// New creates and registers all collectors, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of ordinary HTTP requests.",
		}, []string{"method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ordinary HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		upgrades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_total",
			Help:      "Upgrade attempts by outcome.",
		}, []string{"outcome"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_rejections_total",
			Help:      "Rejected upgrade attempts by HTTP status.",
		}, []string{"status"}),
		live: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_channels",
			Help:      "Upgraded channels currently tracked for shutdown.",
		}),
		softCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "soft_closes_total",
			Help:      "Channels asked to soft-close by a shutdown.",
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected bearer credentials by reason.",
		}, []string{"reason"}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveRequest records one finished ordinary request.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// Upgrade records the outcome of an upgrade attempt.
func (m *Metrics) Upgrade(outcome string) {
	m.upgrades.WithLabelValues(outcome).Inc()
}

// Rejected records an upgrade attempt answered with status.
func (m *Metrics) Rejected(status int) {
	m.upgrades.WithLabelValues(OutcomeRejected).Inc()
	m.rejections.WithLabelValues(strconv.Itoa(status)).Inc()
}

// Tracked adjusts the live channel gauge.
func (m *Metrics) Tracked(delta int) {
	m.live.Add(float64(delta))
}

// SoftClosed counts channels signalled by a shutdown.
func (m *Metrics) SoftClosed(n int) {
	m.softCloses.Add(float64(n))
}

// AuthFailed counts a rejected credential.
func (m *Metrics) AuthFailed(reason string) {
	m.authFailures.WithLabelValues(reason).Inc()
}
