package hotflip

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts attack work. Each instance owns its registry so that tests
// and concurrent runs do not share counters.
type Metrics struct {
	registry *prometheus.Registry

	batches     prometheus.Counter
	examples    prometheus.Counter
	rounds      prometheus.Counter
	flips       prometheus.Counter
	carryOvers  prometheus.Counter
	earlyStops  prometheus.Counter
	batchTiming prometheus.Histogram
	flipScores  prometheus.Histogram
}

// NewMetrics creates and registers the attack collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "attack", Name: "batches_total",
			Help: "Batches processed by the orchestrator.",
		}),
		examples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "attack", Name: "examples_total",
			Help: "Examples for which adversarial candidates were produced.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "beam", Name: "rounds_total",
			Help: "Beam search rounds executed.",
		}),
		flips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "beam", Name: "children_total",
			Help: "Child candidates produced by applying one flip.",
		}),
		carryOvers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "beam", Name: "carry_overs_total",
			Help: "Candidates that had no eligible flip and were carried over.",
		}),
		earlyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hotflip", Subsystem: "beam", Name: "early_stops_total",
			Help: "Batches whose search stopped before max_chars rounds.",
		}),
		batchTiming: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hotflip", Subsystem: "attack", Name: "batch_duration_seconds",
			Help:    "Wall time per batch.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		flipScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hotflip", Subsystem: "scorer", Name: "best_flip_score",
			Help:    "Estimated loss increase of the best eligible flip per candidate.",
			Buckets: prometheus.LinearBuckets(-1, 0.25, 17),
		}),
	}
	m.registry.MustRegister(m.batches, m.examples, m.rounds, m.flips, m.carryOvers, m.earlyStops, m.batchTiming, m.flipScores)
	return m
}

// Registry exposes the collectors, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WriteTextfile writes the current values in the Prometheus text format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
