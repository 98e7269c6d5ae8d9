// Package metrics exposes Prometheus collectors for evaluation runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a registry so tests and multiple engines do not collide
// on the global one.
type Recorder struct {
	reg *prometheus.Registry

	// units counts processed units of work.
	// Labels: kind (experiment, topic), outcome (significant, inconclusive,
	// insufficient_data, completed, skipped, error)
	units *prometheus.CounterVec

	// patternUpdates counts tracker writes by resulting tier.
	patternUpdates *prometheus.CounterVec

	// promptRegenerations counts new active prompt versions.
	promptRegenerations prometheus.Counter

	// runDuration measures whole runs.
	// Labels: kind
	runDuration *prometheus.HistogramVec

	// analysisErrors counts failed analysis calls.
	// Labels: kind, reason (timeout, malformed, backend)
	analysisErrors *prometheus.CounterVec
}

func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		units: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentloop",
			Name:      "units_total",
			Help:      "Experiments processed per run, by outcome",
		}, []string{"kind", "outcome"}),
		patternUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentloop",
			Name:      "pattern_updates_total",
			Help:      "Pattern confidence updates by resulting tier",
		}, []string{"tier"}),
		promptRegenerations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "contentloop",
			Name:      "prompt_regenerations_total",
			Help:      "New active prompt versions written",
		}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "contentloop",
			Name:      "run_duration_seconds",
			Help:      "Duration of evaluation runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		analysisErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "contentloop",
			Name:      "analysis_errors_total",
			Help:      "Failed analysis calls by reason",
		}, []string{"kind", "reason"}),
	}
}

// All methods are safe on a nil *Recorder.

func (r *Recorder) Unit(kind, outcome string) {
	if r == nil {
		return
	}
	r.units.WithLabelValues(kind, outcome).Inc()
}

func (r *Recorder) PatternUpdated(tier string) {
	if r == nil {
		return
	}
	r.patternUpdates.WithLabelValues(tier).Inc()
}

func (r *Recorder) PromptRegenerated() {
	if r == nil {
		return
	}
	r.promptRegenerations.Inc()
}

func (r *Recorder) AnalysisFailed(kind, reason string) {
	if r == nil {
		return
	}
	r.analysisErrors.WithLabelValues(kind, reason).Inc()
}

// ObserveRun records the time since start.
func (r *Recorder) ObserveRun(kind string, start time.Time) {
	if r == nil {
		return
	}
	r.runDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }
