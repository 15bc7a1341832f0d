package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/commands"
	"github.com/MacJediWizard/hostwatch/internal/diagnostics"
	"github.com/MacJediWizard/hostwatch/internal/health"
	"github.com/MacJediWizard/hostwatch/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// ReportKind is the status code placed in every report.
type ReportKind int

const (
	KindHeartbeat          ReportKind = 1
	KindDegraded           ReportKind = 2
	KindCommandPollRequest ReportKind = 5
	KindCommandResult      ReportKind = 6
)

func (k ReportKind) String() string {
	switch k {
	case KindHeartbeat:
		return "heartbeat"
	case KindDegraded:
		return "degraded"
	case KindCommandPollRequest:
		return "command_poll"
	case KindCommandResult:
		return "command_result"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Report is the body of heartbeat, recovery and command poll requests.
type Report struct {
	Status  ReportKind      `json:"status"`
	Metrics *health.Metrics `json:"metrics,omitempty"`
	Health  health.Status   `json:"health,omitempty"`
	OSInfo  *health.OSInfo  `json:"os_info,omitempty"`
}

// Command is one controller-issued shell command. ID is echoed back verbatim,
// so both string and numeric ids survive the round trip.
type Command struct {
	ID   json.RawMessage `json:"command_id"`
	Text string          `json:"command"`
}

// CommandResult reports the output of one command.
type CommandResult struct {
	Status    ReportKind      `json:"status"`
	CommandID json.RawMessage `json:"command_id"`
	Response  string          `json:"response"`
}

// State is the recovery state of the heartbeat session.
type State int

const (
	StateHealthy State = iota
	StateEscalating
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return metrics.StateHealthy
	case StateEscalating:
		return metrics.StateEscalating
	case StateDegraded:
		return metrics.StateDegraded
	default:
		return "unknown"
	}
}

// SessionSnapshot is a point-in-time copy of the heartbeat session.
type SessionSnapshot struct {
	Kind        ReportKind
	State       State
	RetryBudget int
	LastSuccess time.Time
}

// HeartbeatSession is the state owned by the recovery state machine. guard
// is held for a whole heartbeat cycle; mu protects the fields for readers
// outside the cycle.
type HeartbeatSession struct {
	guard sync.Mutex

	mu          sync.RWMutex
	kind        ReportKind
	state       State
	retryBudget int
	maxRetries  int
	lastSuccess time.Time
}

func newHeartbeatSession(maxRetries int) *HeartbeatSession {
	return &HeartbeatSession{
		kind:        KindHeartbeat,
		state:       StateHealthy,
		retryBudget: maxRetries,
		maxRetries:  maxRetries,
	}
}

// Snapshot returns a copy of the session fields.
func (s *HeartbeatSession) Snapshot() SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return SessionSnapshot{
		Kind:        s.kind,
		State:       s.state,
		RetryBudget: s.retryBudget,
		LastSuccess: s.lastSuccess,
	}
}

func (s *HeartbeatSession) budget() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retryBudget
}

func (s *HeartbeatSession) consumeRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryBudget--
	return s.retryBudget
}

func (s *HeartbeatSession) currentKind() ReportKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

func (s *HeartbeatSession) transition(state State, kind ReportKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.kind = kind
}

// markDelivered records a successful heartbeat or recovery send: the
// session returns to Healthy with a full retry budget.
func (s *HeartbeatSession) markDelivered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateHealthy
	s.kind = KindHeartbeat
	s.retryBudget = s.maxRetries
	s.lastSuccess = time.Now()
}

// CommandRunner runs commands and the remediation script.
// *commands.Executor implements it.
type CommandRunner interface {
	Run(ctx context.Context, text string) *commands.Result
	RunScript(ctx context.Context, path string) error
}

// DiagnosticsCollector captures a diagnostics bundle.
// *diagnostics.Collector implements it.
type DiagnosticsCollector interface {
	Collect(ctx context.Context) *diagnostics.Bundle
}

// HostMetricsCollector gathers host metrics for heartbeats.
// *health.Collector implements it.
type HostMetricsCollector interface {
	Collect(ctx context.Context) *health.Metrics
}

// Options configures an Agent.
type Options struct {
	RetryBudget       int
	RemediationScript string
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
}

// Agent owns the identity-bound client, the heartbeat session and the
// collaborators used by both entry operations.
type Agent struct {
	client      *Client
	runner      CommandRunner
	diagnostics DiagnosticsCollector
	hostMetrics HostMetricsCollector
	checker     *health.Checker
	metrics     *metrics.AgentMetrics
	session     *HeartbeatSession
	opts        Options
	newBackOff  func() backoff.BackOff
	logger      zerolog.Logger
}

// New creates an agent.
func New(client *Client, runner CommandRunner, diag DiagnosticsCollector, opts Options, logger zerolog.Logger) *Agent {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 1
	}
	a := &Agent{
		client:      client,
		runner:      runner,
		diagnostics: diag,
		session:     newHeartbeatSession(opts.RetryBudget),
		opts:        opts,
		logger:      logger.With().Str("component", "agent").Logger(),
	}
	a.newBackOff = a.recoveryBackOff
	return a
}

// WithMetrics sets the Prometheus metrics updated by the agent.
func (a *Agent) WithMetrics(m *metrics.AgentMetrics) *Agent {
	a.metrics = m
	a.metrics.SetState(a.session.Snapshot().State.String())
	return a
}

// WithHostMetrics attaches host metrics and a health grade to heartbeats.
func (a *Agent) WithHostMetrics(c HostMetricsCollector, checker *health.Checker) *Agent {
	a.hostMetrics = c
	a.checker = checker
	return a
}

// Session returns the heartbeat session.
func (a *Agent) Session() *HeartbeatSession {
	return a.session
}

func (a *Agent) recoveryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if a.opts.BackoffInitial > 0 {
		b.InitialInterval = a.opts.BackoffInitial
	}
	if a.opts.BackoffMax > 0 {
		b.MaxInterval = a.opts.BackoffMax
	}
	// The recovery loop has no give-up path.
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
