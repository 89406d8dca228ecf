// Package metrics exposes Prometheus instrumentation for scans.
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

const namespace = "orphanfinder"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// StageDuration measures pipeline stage latency.
	// Labels: stage (0-8)
	StageDuration *prometheus.HistogramVec

	// StageErrors counts failed stages.
	// Labels: stage, category (apperr category)
	StageErrors *prometheus.CounterVec

	// EstimationFailures counts storage estimates that fell back to zero.
	EstimationFailures prometheus.Counter

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry, plus the Go and process
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		StageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Failed pipeline stages by error category",
		}, []string{"stage", "category"}),
		EstimationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "estimation_failures_total",
			Help:      "Storage estimates that could not be computed",
		}),
		registry: reg,
	}
}

// RegisterSessionGauge publishes the live session count read from fn.
func (m *Metrics) RegisterSessionGauge(fn func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Sessions currently held in memory",
	}, func() float64 { return float64(fn()) }))
}

// ObserveStage records the duration of a stage.
func (m *Metrics) ObserveStage(stage int, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(strconv.Itoa(stage)).Observe(d.Seconds())
}

// StageFailed counts a failed stage.
func (m *Metrics) StageFailed(stage int, category string) {
	if m == nil {
		return
	}
	m.StageErrors.WithLabelValues(strconv.Itoa(stage), category).Inc()
}

// EstimationFailed counts a storage estimate that fell back to zero.
func (m *Metrics) EstimationFailed() {
	if m == nil {
		return
	}
	m.EstimationFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
