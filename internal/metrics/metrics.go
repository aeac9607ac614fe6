// Package metrics exposes Prometheus instrumentation for recovery sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlrescue"

// Metrics holds every collector on a private registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  *prometheus.CounterVec
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	sessionDuration  *prometheus.HistogramVec

	strategyAttempts *prometheus.CounterVec
	strategyDuration *prometheus.HistogramVec
	tablesRecovered  prometheus.Counter
	tablesFailed     prometheus.Counter
	scriptBytes      prometheus.Counter

	materializeDuration *prometheus.HistogramVec
	rowsRecovered       prometheus.Counter

	processesTerminated prometheus.Counter
	progressDropped     prometheus.CounterFunc
}

// New registers the collectors. dropped reports progress events lost to slow
// subscribers and may be nil.
func New(dropped func() float64) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		sessionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "started_total",
			Help:      "Recovery sessions started by mode",
		}, []string{"mode"}),
		sessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "finished_total",
			Help:      "Recovery sessions finished by mode and status",
		}, []string{"mode", "status"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Recovery sessions currently running",
		}),
		sessionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of recovery sessions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"mode", "status"}),
		strategyAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "attempts_total",
			Help:      "Strategy attempts by strategy and result",
		}, []string{"strategy", "result"}),
		strategyDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "duration_seconds",
			Help:      "Duration of individual strategy attempts",
			Buckets:   prometheus.ExponentialBuckets(0.05, 3, 10),
		}, []string{"strategy"}),
		tablesRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "tables_recovered_total",
			Help:      "Tables recovered by winning strategies",
		}),
		tablesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "tables_failed_total",
			Help:      "Tables annotated as unrecoverable by winning strategies",
		}),
		scriptBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "strategy",
			Name:      "script_bytes_total",
			Help:      "Bytes of SQL produced by winning strategies",
		}),
		materializeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "materialize",
			Name:      "duration_seconds",
			Help:      "Duration of script replays by result",
			Buckets:   prometheus.ExponentialBuckets(0.1, 3, 9),
		}, []string{"result"}),
		rowsRecovered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "materialize",
			Name:      "rows_total",
			Help:      "Rows present in materialized databases",
		}),
		processesTerminated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "aborted_total",
			Help:      "External processes terminated through the abort control",
		}),
	}
	if dropped != nil {
		m.progressDropped = factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "dropped_total",
			Help:      "Progress events not delivered to a full subscriber",
		}, dropped)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// SessionStarted counts a new session.
func (m *Metrics) SessionStarted(mode string) {
	if m == nil {
		return
	}
	m.sessionsStarted.WithLabelValues(mode).Inc()
	m.sessionsActive.Inc()
}

// SessionFinished counts a finished session.
func (m *Metrics) SessionFinished(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
	m.sessionsFinished.WithLabelValues(mode, status).Inc()
	m.sessionDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
}

// StrategyAttempt records one strategy outcome.
func (m *Metrics) StrategyAttempt(strategy string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.strategyAttempts.WithLabelValues(strategy, result).Inc()
	m.strategyDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// Recovered records what a winning strategy produced.
func (m *Metrics) Recovered(tablesRecovered, tablesFailed int, bytes int64) {
	if m == nil {
		return
	}
	m.tablesRecovered.Add(float64(tablesRecovered))
	m.tablesFailed.Add(float64(tablesFailed))
	m.scriptBytes.Add(float64(bytes))
}

// Materialized records a replay.
func (m *Metrics) Materialized(success bool, duration time.Duration, rows int64) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
		m.rowsRecovered.Add(float64(rows))
	}
	m.materializeDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// ProcessesAborted counts processes terminated by the abort control.
func (m *Metrics) ProcessesAborted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.processesTerminated.Add(float64(n))
}
