package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/danshapiro/robotflow/internal/failure"
)

// Metrics holds the orchestrator's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	StepAttempts    *prometheus.CounterVec
	StepResults     *prometheus.CounterVec
	GateDecisions   *prometheus.CounterVec
	Runs            *prometheus.CounterVec
	AttemptDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotflow",
			Name:      "step_attempts_total",
			Help:      "Tool invocation attempts by tool and outcome.",
		}, []string{"tool", "outcome", "category"}),
		StepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotflow",
			Name:      "step_results_total",
			Help:      "Terminal step results by tool, outcome and failure category.",
		}, []string{"tool", "outcome", "category"}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotflow",
			Name:      "gate_decisions_total",
			Help:      "Confirmation gate decisions.",
		}, []string{"decision"}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "robotflow",
			Name:      "runs_total",
			Help:      "Finished workflow runs by final status.",
		}, []string{"workflow", "status"}),
		AttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "robotflow",
			Name:      "step_attempt_duration_seconds",
			Help:      "Wall time of one tool invocation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"tool"}),
	}
	if reg != nil {
		reg.MustRegister(m.StepAttempts, m.StepResults, m.GateDecisions, m.Runs, m.AttemptDuration)
	}
	return m
}

func (m *Metrics) attempt(toolName string, cat failure.Category, took time.Duration) {
	if m == nil {
		return
	}
	outcome := string(OutcomeSuccess)
	if cat != "" {
		outcome = string(OutcomeFailure)
	}
	m.StepAttempts.WithLabelValues(toolName, outcome, string(cat)).Inc()
	m.AttemptDuration.WithLabelValues(toolName).Observe(took.Seconds())
}

func (m *Metrics) result(r StepResult) {
	if m == nil {
		return
	}
	m.StepResults.WithLabelValues(r.Tool, string(r.Outcome), string(r.Category)).Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(string(d)).Inc()
}

func (m *Metrics) run(workflow string, status RunStatus) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(workflow, string(status)).Inc()
}
