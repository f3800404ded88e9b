// Package telemetry exposes Prometheus collectors for the colorization service.
//
// Collectors are registered on a caller-supplied registry so tests and
// embedded uses stay isolated from the global default registry.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "colorizer"

// Collectors holds every metric the service reports
type Collectors struct {
	registry *prometheus.Registry

	// RequestsTotal counts colorize requests.
	// Labels: outcome (success, model_unavailable, invalid_image, empty_image,
	// too_large, inference_failure, error)
	RequestsTotal *prometheus.CounterVec

	// RequestDurationSeconds measures end-to-end colorize latency.
	// Labels: outcome
	RequestDurationSeconds *prometheus.HistogramVec

	// StageDurationSeconds measures each pipeline stage.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// ModelState is 1 for the current lifecycle state and 0 for the others.
	// Labels: state
	ModelState *prometheus.GaugeVec

	// InFlight tracks requests currently inside the pipeline
	InFlight prometheus.Gauge

	// ScratchFilesSwept counts stale scratch files removed by the sweeper
	ScratchFilesSwept prometheus.Counter
}

// New registers the collectors on a fresh registry along with the Go and
// process collectors
func New() *Collectors {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors on reg
func NewWithRegistry(reg *prometheus.Registry) *Collectors {
	factory := promauto.With(reg)
	return &Collectors{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Colorize requests by outcome",
		}, []string{"outcome"}),
		RequestDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end colorize latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),
		StageDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each transform stage",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 9),
		}, []string{"stage"}),
		ModelState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "model",
			Name:      "state",
			Help:      "Model lifecycle state (1 = current)",
		}, []string{"state"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "in_flight_requests",
			Help:      "Requests currently being colorized",
		}),
		ScratchFilesSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "scratch",
			Name:      "files_swept_total",
			Help:      "Stale scratch files removed by the sweeper",
		}),
	}
}

// ObserveStage records one pipeline stage
func (c *Collectors) ObserveStage(stage string, elapsed time.Duration) {
	c.StageDurationSeconds.WithLabelValues(stage).Observe(elapsed.Seconds())
}

// ObserveRequest records a finished colorize request
func (c *Collectors) ObserveRequest(outcome string, elapsed time.Duration) {
	c.RequestsTotal.WithLabelValues(outcome).Inc()
	c.RequestDurationSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SetModelState marks current as the only active state among all
func (c *Collectors) SetModelState(current string, all ...string) {
	for _, s := range all {
		c.ModelState.WithLabelValues(s).Set(0)
	}
	c.ModelState.WithLabelValues(current).Set(1)
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}
