// Package metrics exports Prometheus counters and histograms for tool-call and
// scheduler activity.
//
// Grounded on kadirpekel-hector's metrics stack (the teacher itself never exports
// Prometheus metrics) — generalized from "LLM call latency" to "tool-call latency
// and verdict counts" plus scheduler fire/error counters, per spec 4.11.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles every metric this daemon exports. A single instance is created
// at startup and threaded into the orchestrator and scheduler.
type Registry struct {
	ToolCallDuration  *prometheus.HistogramVec
	ToolCallsTotal    *prometheus.CounterVec
	LedgerVerdicts    *prometheus.CounterVec
	ScheduleFires     *prometheus.CounterVec
	ScheduleErrors    *prometheus.CounterVec
	CompactionEvents  *prometheus.CounterVec
}

// New creates and registers every metric against reg.
func New(reg prometheus.Registerer) *Registry {
	m := &Registry{
		ToolCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentd",
			Subsystem: "orchestrator",
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool calls from Created to Completed/Failed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "skill"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "orchestrator",
			Name:      "tool_calls_total",
			Help:      "Total tool calls by terminal state.",
		}, []string{"tool", "state"}),
		LedgerVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "ledger",
			Name:      "verdicts_total",
			Help:      "Total ledger rows appended by verdict.",
		}, []string{"verdict"}),
		ScheduleFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Total scheduled intent firings by outcome.",
		}, []string{"outcome"}),
		ScheduleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Total scheduled intent firing errors.",
		}, []string{"reason"}),
		CompactionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "contextbudget",
			Name:      "compactions_total",
			Help:      "Total ledger/context compactions performed.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.ToolCallDuration,
		m.ToolCallsTotal,
		m.LedgerVerdicts,
		m.ScheduleFires,
		m.ScheduleErrors,
		m.CompactionEvents,
	)
	return m
}

// NewNoop returns a Registry registered against a fresh, unexported registry —
// useful for tests and for components run without a live metrics endpoint.
func NewNoop() *Registry {
	return New(prometheus.NewRegistry())
}
