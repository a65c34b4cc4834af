package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Set holds the orchestration metrics for one service process.
type Set struct {
	registry *prometheus.Registry

	RunsTotal           *prometheus.CounterVec
	StepsTotal          *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	DispatchErrorsTotal *prometheus.CounterVec
	ActiveRuns          prometheus.Gauge
	QueuedRuns          prometheus.Gauge
}

func New(service string) *Set {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": service}

	return &Set{
		registry: registry,
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cascade_pipeline_runs_total",
			Help:        "Pipeline runs reaching a terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),
		StepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cascade_step_runs_total",
			Help:        "Step runs reaching a terminal status.",
			ConstLabels: labels,
		}, []string{"status"}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cascade_step_run_duration_seconds",
			Help:        "Wall-clock duration of dispatched step runs.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"backend"}),
		DispatchErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cascade_dispatch_errors_total",
			Help:        "Step dispatch failures by backend.",
			ConstLabels: labels,
		}, []string{"backend"}),
		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "cascade_active_runs",
			Help:        "Pipeline runs currently being driven by this process.",
			ConstLabels: labels,
		}),
		QueuedRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "cascade_queued_runs",
			Help:        "Pipeline runs waiting to be claimed.",
			ConstLabels: labels,
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
