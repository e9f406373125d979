// Package metrics exposes recompute and cache counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/talgya/shellcloud/internal/session"
)

// Outcome labels for RecomputesTotal.
const (
	OutcomeCommitted = "committed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	RecomputesTotal   *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram
	CacheHits         prometheus.Counter
	CacheMisses       prometheus.Counter
	Points            prometheus.Gauge
	Eigenvalue        prometheus.Gauge
	StreamClients     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry that also carries the Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWith(reg, reg)
}

// NewWith registers on reg and serves from g.
func NewWith(reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecomputesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shellcloud_recomputes_total",
			Help: "Parameter edits by outcome",
		}, []string{"outcome"}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shellcloud_recompute_duration_seconds",
			Help:    "Solve, sample, layout and store time per edit",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		CacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "shellcloud_solver_cache_hits_total",
			Help: "Solutions served from the SQLite cache",
		}),
		CacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "shellcloud_solver_cache_misses_total",
			Help: "Solutions computed by the solver",
		}),
		Points: f.NewGauge(prometheus.GaugeOpts{
			Name: "shellcloud_cloud_points",
			Help: "Points in the displayed cloud",
		}),
		Eigenvalue: f.NewGauge(prometheus.GaugeOpts{
			Name: "shellcloud_eigenvalue_hartree",
			Help: "Eigenvalue of the committed state",
		}),
		StreamClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "shellcloud_stream_clients",
			Help: "Connected SSE redraw subscribers",
		}),
		gatherer: g,
	}
}

// ObserveCommit records an accepted edit.
func (m *Metrics) ObserveCommit(r session.Result) {
	m.RecomputesTotal.WithLabelValues(OutcomeCommitted).Inc()
	m.RecomputeDuration.Observe(r.Duration.Seconds())
	m.Points.Set(float64(r.Points))
	m.Eigenvalue.Set(r.Eigenvalue)
}

// ObserveReject records an edit that failed validation.
func (m *Metrics) ObserveReject(session.Result) {
	m.RecomputesTotal.WithLabelValues(OutcomeRejected).Inc()
}

// ObserveFailure records an edit whose pipeline aborted.
func (m *Metrics) ObserveFailure(r session.Result) {
	m.RecomputesTotal.WithLabelValues(OutcomeFailed).Inc()
	m.RecomputeDuration.Observe(r.Duration.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
