// Package metrics exposes Prometheus metrics for the interval check monitor.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be built without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Termination outcomes.
const (
	OutcomeRequested = "requested"
	OutcomeFallback  = "fallback"
)

// Metrics provides Prometheus metrics for the scheduler, watchdog guards
// and job terminator.
type Metrics struct {
	ticks            prometheus.Counter
	callbackRuns     *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	watchdogExpiries *prometheus.CounterVec
	hangsDetected    *prometheus.CounterVec
	terminations     *prometheus.CounterVec
	leader           prometheus.Gauge
}

// New creates a new Metrics instance. It must be registered with a
// prometheus.Registerer to be exported.
func New() *Metrics {
	return &Metrics{
		ticks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "intervalcheck_ticks_total",
				Help: "Total number of scheduler ticks",
			},
		),
		callbackRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intervalcheck_callback_runs_total",
				Help: "Total number of callback invocations by callback name",
			},
			[]string{"callback"},
		),
		callbackDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "intervalcheck_callback_duration_seconds",
				Help:    "Callback execution time by callback name",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"callback"},
		),
		watchdogExpiries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intervalcheck_watchdog_expiries_total",
				Help: "Total number of watchdog deadlines that expired while armed",
			},
			[]string{"guard"},
		),
		hangsDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intervalcheck_hangs_detected_total",
				Help: "Total number of guarded calls found not to have completed on the previous run",
			},
			[]string{"guard"},
		),
		terminations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "intervalcheck_terminations_total",
				Help: "Total number of job termination attempts by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		leader: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "intervalcheck_leader",
				Help: "1 if this process owns the node's check timer, 0 otherwise",
			},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.ticks.Describe(ch)
	m.callbackRuns.Describe(ch)
	m.callbackDuration.Describe(ch)
	m.watchdogExpiries.Describe(ch)
	m.hangsDetected.Describe(ch)
	m.terminations.Describe(ch)
	m.leader.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.ticks.Collect(ch)
	m.callbackRuns.Collect(ch)
	m.callbackDuration.Collect(ch)
	m.watchdogExpiries.Collect(ch)
	m.hangsDetected.Collect(ch)
	m.terminations.Collect(ch)
	m.leader.Collect(ch)
}

// RecordTick increments the tick counter.
func (m *Metrics) RecordTick() {
	if m == nil {
		return
	}
	m.ticks.Inc()
}

// RecordCallback records one callback invocation and its duration.
func (m *Metrics) RecordCallback(name string, d time.Duration) {
	if m == nil {
		return
	}
	m.callbackRuns.WithLabelValues(name).Inc()
	m.callbackDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordWatchdogExpiry increments the expiry counter for a guard.
func (m *Metrics) RecordWatchdogExpiry(guard string) {
	if m == nil {
		return
	}
	m.watchdogExpiries.WithLabelValues(guard).Inc()
}

// RecordHangDetected increments the stale-pass counter for a guard.
func (m *Metrics) RecordHangDetected(guard string) {
	if m == nil {
		return
	}
	m.hangsDetected.WithLabelValues(guard).Inc()
}

// RecordTermination increments the termination counter.
func (m *Metrics) RecordTermination(backend, outcome string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(backend, outcome).Inc()
}

// SetLeader records the election outcome.
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.leader.Set(1)
	} else {
		m.leader.Set(0)
	}
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
