// Package metrics exposes workflow counters to prometheus.
// All recording methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conclave"

// Metrics holds the workflow collectors and the registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	activeRuns     prometheus.Gauge
	transitions    *prometheus.CounterVec
	reviewRounds   *prometheus.CounterVec
	reviewOutcomes *prometheus.CounterVec
	holds          *prometheus.CounterVec
	delegations    *prometheus.CounterVec
}

// New creates a Metrics with its own registry, including Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Supervised agent runs launched, by provider.",
		}, []string{"provider"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Supervised agent runs finished, by provider and result.",
		}, []string{"provider", "result"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Supervised agent runs currently executing.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task status transitions.",
		}, []string{"from", "to"}),
		reviewRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_rounds_total",
			Help:      "Review rounds held, by round mode.",
		}, []string{"mode"}),
		reviewOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_outcomes_total",
			Help:      "Review round outcomes.",
		}, []string{"outcome"}),
		holds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "review_holds_total",
			Help:      "Hold positions by disposition (admitted, deferred, overflow).",
		}, []string{"disposition"}),
		delegations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Delegation queue events (dispatched, completed, failed).",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.runsStarted, m.runsFinished, m.activeRuns, m.transitions,
		m.reviewRounds, m.reviewOutcomes, m.holds, m.delegations,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records a launched run.
func (m *Metrics) RunStarted(provider string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(provider).Inc()
	m.activeRuns.Inc()
}

// RunFinished records a finished run. result is e.g. "success", "failure",
// "timeout_idle", "stopped".
func (m *Metrics) RunFinished(provider, result string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(provider, result).Inc()
	m.activeRuns.Dec()
}

// Transition records a task status change.
func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ReviewRound records an opened review round.
func (m *Metrics) ReviewRound(mode string) {
	if m == nil {
		return
	}
	m.reviewRounds.WithLabelValues(mode).Inc()
}

// ReviewOutcome records how a round closed.
func (m *Metrics) ReviewOutcome(outcome string) {
	if m == nil {
		return
	}
	m.reviewOutcomes.WithLabelValues(outcome).Inc()
}

// Holds adds n hold positions with the given disposition.
func (m *Metrics) Holds(disposition string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.holds.WithLabelValues(disposition).Add(float64(n))
}

// Delegation records a delegation queue event.
func (m *Metrics) Delegation(event string) {
	if m == nil {
		return
	}
	m.delegations.WithLabelValues(event).Inc()
}
