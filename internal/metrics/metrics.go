// Package metrics exposes the engine's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridmind"

// Metrics groups every instrument the simulation records.
type Metrics struct {
	steps            prometheus.Counter
	episodes         *prometheus.CounterVec
	episodeReward    prometheus.Histogram
	predictionError  prometheus.Histogram
	beliefEntropy    prometheus.Gauge
	causalConfidence prometheus.Gauge
	level            prometheus.Gauge
	transitions      *prometheus.CounterVec
	collapses        prometheus.Counter
	fallbacks        prometheus.Counter
	checkpoints      *prometheus.CounterVec
}

// New registers the instruments with reg. Use a fresh prometheus.Registry per
// engine in tests; prometheus.DefaultRegisterer in binaries.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		steps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Environment steps taken",
		}),
		episodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_total",
			Help:      "Finished episodes by outcome",
		}, []string{"outcome"}),
		episodeReward: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "episode_reward",
			Help:      "Cumulative reward per episode",
			Buckets:   []float64{-1, -0.5, -0.25, 0, 0.25, 0.5, 0.75, 1, 2},
		}),
		predictionError: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prediction_error",
			Help:      "Per-step prediction error of the causal model",
			Buckets:   prometheus.LinearBuckets(0, 0.25, 9),
		}),
		beliefEntropy: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "belief_entropy_nats",
			Help:      "Entropy of the goal-location belief",
		}),
		causalConfidence: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "causal_confidence",
			Help:      "Mean confidence of active causal edges",
		}),
		level: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "improvement_level",
			Help:      "Current self-improvement level (1-5)",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_transitions_total",
			Help:      "Improvement level changes by direction and target level",
		}, []string{"direction", "to"}),
		collapses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "belief_collapses_total",
			Help:      "Belief updates that ruled out every hypothesis",
		}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_fallbacks_total",
			Help:      "Selections made without enough model data",
		}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveStep records one environment step.
func (m *Metrics) ObserveStep(predErr, entropy float64, collapsed, fallback bool) {
	if m == nil {
		return
	}
	m.steps.Inc()
	m.predictionError.Observe(predErr)
	m.beliefEntropy.Set(entropy)
	if collapsed {
		m.collapses.Inc()
	}
	if fallback {
		m.fallbacks.Inc()
	}
}

// ObserveEpisode records a finished episode.
func (m *Metrics) ObserveEpisode(reward float64, reachedGoal bool, confidence float64) {
	if m == nil {
		return
	}
	outcome := "timeout"
	if reachedGoal {
		outcome = "goal"
	}
	m.episodes.WithLabelValues(outcome).Inc()
	m.episodeReward.Observe(reward)
	m.causalConfidence.Set(confidence)
}

// SetLevel records the level after a decision, counting changes.
func (m *Metrics) SetLevel(from, to int) {
	if m == nil {
		return
	}
	m.level.Set(float64(to))
	switch {
	case to > from:
		m.transitions.WithLabelValues("up", strconv.Itoa(to)).Inc()
	case to < from:
		m.transitions.WithLabelValues("down", strconv.Itoa(to)).Inc()
	}
}

// Checkpoint records a checkpoint attempt: "ok", "queued", "error" or "dropped".
func (m *Metrics) Checkpoint(result string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(result).Inc()
}
