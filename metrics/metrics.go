// Package metrics exposes Prometheus instruments for the refresh pipeline.
//
// Every method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "upstream_unavailable"
	OutcomeFailed      = "failed"

	AttemptOK    = "ok"
	AttemptError = "error"

	OpCreated = "created"
	OpUpdated = "updated"
)

// Metrics captures refresh health signals.
type Metrics struct {
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	fetchAttempts   *prometheus.CounterVec
	rowsUpserted    *prometheus.CounterVec
	warnings        prometheus.Counter
}

// New registers the refresh instruments on registerer.
// A nil registerer uses prometheus.DefaultRegisterer.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "country_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "country_refresh_duration_seconds",
			Help:    "End-to-end refresh latency, upstream fetch included.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "country_upstream_fetch_attempts_total",
			Help: "Upstream fetch attempts by source and result.",
		}, []string{"source", "result"}),
		rowsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "country_rows_upserted_total",
			Help: "Country rows written by committed refreshes.",
		}, []string{"op"}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "country_refresh_warnings_total",
			Help: "Non-fatal warnings recorded during refreshes.",
		}),
	}

	registerer.MustRegister(
		m.refreshTotal,
		m.refreshDuration,
		m.fetchAttempts,
		m.rowsUpserted,
		m.warnings,
	)
	return m
}

// ObserveRefresh records one finished refresh attempt.
func (m *Metrics) ObserveRefresh(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(outcome).Inc()
	m.refreshDuration.Observe(elapsed.Seconds())
}

// ObserveFetchAttempt records one upstream HTTP attempt.
func (m *Metrics) ObserveFetchAttempt(source, result string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(source, result).Inc()
}

// AddUpserted records rows written by a committed refresh.
func (m *Metrics) AddUpserted(created, updated int) {
	if m == nil {
		return
	}
	m.rowsUpserted.WithLabelValues(OpCreated).Add(float64(created))
	m.rowsUpserted.WithLabelValues(OpUpdated).Add(float64(updated))
}

// AddWarnings records refresh warnings.
func (m *Metrics) AddWarnings(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.warnings.Add(float64(n))
}
