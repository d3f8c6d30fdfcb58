// Package metrics exposes Prometheus collectors for the investigation core.
//
// This module never starts an HTTP server or registers against the default
// registry implicitly — serving a /metrics endpoint is an outer-surface
// concern. Callers register the collectors returned here against their own
// prometheus.Registerer.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the core emits to.
type Metrics struct {
	InvestigationDuration prometheus.Histogram
	PhaseTransitions      *prometheus.CounterVec
	ParseFailures         *prometheus.CounterVec
	ApprovalDecisions     *prometheus.CounterVec
	ScratchpadEvictions   prometheus.Counter
	CheckpointSaves       prometheus.Counter
	AgentIterations       prometheus.Histogram
	EventsDropped         prometheus.Counter
}

// New constructs a fresh Metrics bundle. Callers are responsible for
// registering each collector (e.g. via MustRegisterAll) with their registry
// of choice.
func New() *Metrics {
	return &Metrics{
		InvestigationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "investigation",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a completed investigation.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "phase_transitions_total",
			Help:      "Count of phase transitions, labeled by from/to phase.",
		}, []string{"from", "to"}),
		ParseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "parse_failures_total",
			Help:      "Count of response-parser failures, labeled by shape.",
		}, []string{"shape"}),
		ApprovalDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "approval_decisions_total",
			Help:      "Count of approval gate decisions, labeled by outcome.",
		}, []string{"outcome"}), // approved | rejected | blocked_budget | blocked_cooldown
		ScratchpadEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "scratchpad_evictions_total",
			Help:      "Count of scratchpad entries evicted during compaction.",
		}),
		CheckpointSaves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "checkpoint_saves_total",
			Help:      "Count of checkpoints persisted.",
		}),
		AgentIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "investigation",
			Name:      "agent_loop_iterations",
			Help:      "Number of iterations the agent loop took before answering.",
			Buckets:   prometheus.LinearBuckets(1, 1, 20),
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "investigation",
			Name:      "events_dropped_total",
			Help:      "Count of state-machine events dropped because a subscriber's buffer was full.",
		}),
	}
}

// MustRegisterAll registers every collector with reg, panicking on
// duplicate-registration errors (the standard prometheus idiom for
// process-lifetime collectors).
func (m *Metrics) MustRegisterAll(reg prometheus.Registerer) {
	reg.MustRegister(
		m.InvestigationDuration,
		m.PhaseTransitions,
		m.ParseFailures,
		m.ApprovalDecisions,
		m.ScratchpadEvictions,
		m.CheckpointSaves,
		m.AgentIterations,
		m.EventsDropped,
	)
}
