// Package metrics exposes Prometheus metrics for the hostwatch agent.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hostwatch_agent"

// Heartbeat session states reported by the SessionState gauge.
const (
	StateHealthy    = "healthy"
	StateEscalating = "escalating"
	StateDegraded   = "degraded"
)

var sessionStates = []string{StateHealthy, StateEscalating, StateDegraded}

// AgentMetrics holds the agent's Prometheus collectors. A nil *AgentMetrics
// is valid and records nothing.
type AgentMetrics struct {
	HeartbeatAttempts  *prometheus.CounterVec
	RecoveryIterations prometheus.Counter
	SessionState       *prometheus.GaugeVec
	DroppedTicks       prometheus.Counter
	CommandsExecuted   *prometheus.CounterVec
	ProbeResults       *prometheus.CounterVec
}

// NewAgentMetrics creates the agent collectors and registers them with reg.
func NewAgentMetrics(reg prometheus.Registerer) (*AgentMetrics, error) {
	m := &AgentMetrics{
		HeartbeatAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_attempts_total",
			Help:      "Heartbeat and recovery sends by result.",
		}, []string{"kind", "result"}),
		RecoveryIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_iterations_total",
			Help:      "Iterations of the degraded recovery loop.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current heartbeat session state (1 for the active state).",
		}, []string{"state"}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_ticks_dropped_total",
			Help:      "Heartbeat ticks dropped because a previous cycle was still running.",
		}),
		CommandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Controller commands by outcome.",
		}, []string{"outcome"}),
		ProbeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "diagnostic_probes_total",
			Help:      "Diagnostic probe runs by probe and result.",
		}, []string{"probe", "result"}),
	}

	collectors := []prometheus.Collector{
		m.HeartbeatAttempts,
		m.RecoveryIterations,
		m.SessionState,
		m.DroppedTicks,
		m.CommandsExecuted,
		m.ProbeResults,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	m.SetState(StateHealthy)
	return m, nil
}

// RecordHeartbeat counts one send of the given report kind.
func (m *AgentMetrics) RecordHeartbeat(kind string, ok bool) {
	if m == nil {
		return
	}
	m.HeartbeatAttempts.WithLabelValues(kind, result(ok)).Inc()
}

// RecordRecoveryIteration counts one pass of the recovery loop.
func (m *AgentMetrics) RecordRecoveryIteration() {
	if m == nil {
		return
	}
	m.RecoveryIterations.Inc()
}

// SetState marks state as the active session state.
func (m *AgentMetrics) SetState(state string) {
	if m == nil {
		return
	}
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// RecordDroppedTick counts a heartbeat tick skipped by the session guard.
func (m *AgentMetrics) RecordDroppedTick() {
	if m == nil {
		return
	}
	m.DroppedTicks.Inc()
}

// RecordCommand counts a command by outcome (succeeded, failed, skipped).
func (m *AgentMetrics) RecordCommand(outcome string) {
	if m == nil {
		return
	}
	m.CommandsExecuted.WithLabelValues(outcome).Inc()
}

// RecordProbe counts one diagnostic probe run.
func (m *AgentMetrics) RecordProbe(probe string, ok bool) {
	if m == nil {
		return
	}
	m.ProbeResults.WithLabelValues(probe, result(ok)).Inc()
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler returns an HTTP handler serving the metrics in g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
