// Package metrics exposes Prometheus instruments for dispatch, stage, and
// item outcomes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item outcomes
const (
	ItemPublished = "published"
	ItemWithheld  = "withheld"
	ItemFailed    = "failed"
)

// Metrics holds the pipeline collectors
type Metrics struct {
	dispatched    *prometheus.CounterVec
	stages        *prometheus.CounterVec
	items         *prometheus.CounterVec
	stageDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stage_tasks_dispatched_total",
			Help:      "Stage tasks handed to the bus, by publish outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "stage_invocations_total",
			Help:      "Stage worker invocations, by final state.",
		}, []string{"state"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "item_tasks_total",
			Help:      "Extracted items, by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of stage worker invocations.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.dispatched, m.stages, m.items, m.stageDuration)
	}
	return m
}

// Dispatched counts publish outcomes of one dispatch
func (m *Metrics) Dispatched(successes, failures int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues("success").Add(float64(successes))
	m.dispatched.WithLabelValues("failure").Add(float64(failures))
}

// StageFinished records a stage invocation ending in state after d
func (m *Metrics) StageFinished(state string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(state).Inc()
	m.stageDuration.Observe(d.Seconds())
}

// Item counts one item outcome
func (m *Metrics) Item(outcome string) {
	if m == nil {
		return
	}
	m.items.WithLabelValues(outcome).Inc()
}
