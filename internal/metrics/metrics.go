// Package metrics registers the Prometheus instruments for the booking
// pipeline, inference gateway and export path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the core.
type Metrics struct {
	// Pipeline
	Transitions    *prometheus.CounterVec
	Blockers       *prometheus.CounterVec
	ConsensusScore *prometheus.HistogramVec
	Dedupes        prometheus.Counter

	// Inference
	InferTotal    *prometheus.CounterVec
	InferDuration *prometheus.HistogramVec
	InferQueued   prometheus.Gauge
	PrefixCache   *prometheus.CounterVec

	// Export
	ExportTotal *prometheus.CounterVec

	// Safety
	SafetyRefusals *prometheus.CounterVec
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_booking_transitions_total",
				Help: "Booking state transitions",
			},
			[]string{"from", "to"},
		),
		Blockers: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_booking_blockers_total",
				Help: "Blockers that forced a booking into review",
			},
			[]string{"kind"},
		),
		ConsensusScore: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kontomat_verification_consensus_score",
				Help:    "Per-field consensus scores",
				Buckets: []float64{0.3, 0.5, 0.7, 0.85, 0.94, 0.95, 1.0},
			},
			[]string{"doc_class"},
		),
		Dedupes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kontomat_booking_dedup_total",
			Help: "Ingests deduplicated by fingerprint",
		}),
		InferTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_inference_requests_total",
				Help: "Inference calls by kind and outcome",
			},
			[]string{"kind", "outcome"}, // outcome: ok, overloaded, failed, cancelled
		),
		InferDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kontomat_inference_duration_seconds",
				Help:    "Inference wall time by kind",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		InferQueued: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kontomat_inference_queue_depth",
			Help: "Requests waiting for an inference slot",
		}),
		PrefixCache: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_prompt_prefix_cache_total",
				Help: "Prompt-prefix cache lookups",
			},
			[]string{"result"}, // result: hit, miss
		),
		ExportTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_export_total",
				Help: "Export attempts by target and outcome",
			},
			[]string{"target", "outcome"}, // outcome: delivered, pending, failed, noop
		),
		SafetyRefusals: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kontomat_safety_refusals_total",
				Help: "Hard-boundary refusals by boundary type",
			},
			[]string{"boundary"},
		),
	}
}
