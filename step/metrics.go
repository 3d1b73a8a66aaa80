package step

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects step-execution metrics.
//
// Metrics exposed (all namespaced with "stepgrid_"):
//
//  1. units_total (counter): Units of work executed. Labels: kind (affine/offload).
//  2. step_latency_ms (histogram): Step duration. Labels: op, step, status.
//  3. eviction_retries_total (counter): Forced-eviction retries. Labels: op, outcome.
//  4. step_failures_total (counter): Failures captured on execution states.
//     Labels: op, reason (destroyed/resource/affinity/step/preconditions, and
//     aborted for failures reported through Driver.HandleError).
//  5. inflight_units (gauge): Units currently executing.
//  6. queue_depth (gauge): Pending units per executor. Labels: executor.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := step.NewPrometheusMetrics(registry)
//	d, _ := step.NewDriver(op, step.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	inflightUnits prometheus.Gauge
	queueDepth    *prometheus.GaugeVec
	units         *prometheus.CounterVec
	stepLatency   *prometheus.HistogramVec
	evictions     *prometheus.CounterVec
	failures      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers all step-execution metrics with
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,

		inflightUnits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "stepgrid",
			Name:      "inflight_units",
			Help:      "Units of work currently executing",
		}),

		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stepgrid",
			Name:      "queue_depth",
			Help:      "Units of work waiting for a partition thread or offload executor",
		}, []string{"executor"}),

		units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepgrid",
			Name:      "units_total",
			Help:      "Units of work executed, by execution kind",
		}, []string{"kind"}),

		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stepgrid",
			Name:      "step_latency_ms",
			Help:      "Step execution duration in milliseconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"op", "step", "status"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepgrid",
			Name:      "eviction_retries_total",
			Help:      "Forced-eviction retries of units that exhausted memory",
		}, []string{"op", "outcome"}),

		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stepgrid",
			Name:      "step_failures_total",
			Help:      "Failures captured on execution states and routed to the error step",
		}, []string{"op", "reason"}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// IncUnits counts one executed unit of the given kind.
func (pm *PrometheusMetrics) IncUnits(kind UnitKind) {
	if !pm.on() {
		return
	}
	pm.units.WithLabelValues(kind.String()).Inc()
}

// RecordStepLatency records a step's duration. status is "success" or "error".
func (pm *PrometheusMetrics) RecordStepLatency(op, stepName string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(op, stepName, status).Observe(float64(latency) / float64(time.Millisecond))
}

// IncrementEvictions counts a forced-eviction retry. outcome is "recovered",
// "exhausted" or "failed".
func (pm *PrometheusMetrics) IncrementEvictions(op, outcome string) {
	if !pm.on() {
		return
	}
	pm.evictions.WithLabelValues(op, outcome).Inc()
}

// IncrementFailures counts a failure routed to the error step.
func (pm *PrometheusMetrics) IncrementFailures(op, reason string) {
	if !pm.on() {
		return
	}
	pm.failures.WithLabelValues(op, reason).Inc()
}

// AddInflight adjusts the inflight units gauge by delta.
func (pm *PrometheusMetrics) AddInflight(delta int) {
	if !pm.on() {
		return
	}
	pm.inflightUnits.Add(float64(delta))
}

// UpdateQueueDepth sets the number of pending units for executor.
func (pm *PrometheusMetrics) UpdateQueueDepth(executor string, depth int) {
	if !pm.on() {
		return
	}
	pm.queueDepth.WithLabelValues(executor).Set(float64(depth))
}

// Disable temporarily disables metric recording (useful for testing).
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable re-enables metric recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// Reset clears the gauges. Counters and histograms are cumulative.
func (pm *PrometheusMetrics) Reset() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.inflightUnits.Set(0)
	pm.queueDepth.Reset()
}
