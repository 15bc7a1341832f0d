package agent

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/crypto"
	"github.com/MacJediWizard/hostwatch/internal/health"
	"github.com/MacJediWizard/hostwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statuses(reqs []received) []int {
	out := make([]int, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Status())
	}
	return out
}

func TestReportHeartbeat_Success(t *testing.T) {
	ta := newTestAgent(t, 5, func(int, received) reply {
		return reply{Status: http.StatusOK, Payload: map[string]string{"status": "ok"}}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	assert.Equal(t, []int{int(KindHeartbeat)}, statuses(ta.controller.Requests()))
	assert.Equal(t, 0, ta.diag.Calls())

	snap := ta.Session().Snapshot()
	assert.Equal(t, StateHealthy, snap.State)
	assert.Equal(t, 5, snap.RetryBudget)
	assert.False(t, snap.LastSuccess.IsZero())
}

func TestReportHeartbeat_RetryThenSuccess(t *testing.T) {
	ta := newTestAgent(t, 5, func(n int, r received) reply {
		if n <= 2 {
			return reply{Status: http.StatusServiceUnavailable}
		}
		return reply{Status: http.StatusOK}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	assert.Len(t, ta.controller.Requests(), 3)
	assert.Equal(t, 0, ta.diag.Calls(), "no escalation while budget remains")
	assert.Equal(t, 5, ta.Session().Snapshot().RetryBudget, "budget reset on success")
}

func TestReportHeartbeat_EscalatesAfterExactlyRetryBudget(t *testing.T) {
	const budget = 5
	ta := newTestAgent(t, budget, func(n int, r received) reply {
		if r.Path == AgentsPath && r.Status() == int(KindHeartbeat) {
			return reply{Status: http.StatusInternalServerError}
		}
		return reply{Status: http.StatusOK}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	agents := ta.controller.RequestsTo(AgentsPath)
	assert.Equal(t, []int{1, 1, 1, 1, 1, 2}, statuses(agents))
	assert.Equal(t, 1, ta.diag.Calls())
	assert.Equal(t, 1, ta.runner.Scripts(), "remediation runs before each recovery send")

	logs := ta.controller.RequestsTo(LogsPath)
	require.Len(t, logs, 1, "diagnostics are sent exactly once")
	assert.Equal(t, "default via 10.0.0.1\n", logs[0].Body["ip_route"])
	assert.Equal(t, "nm log\n", logs[0].Body["journalctl"])
	assert.Equal(t, "", logs[0].Body["tracepath"])
	assert.Equal(t, "dmesg\n", logs[0].Body["dmsg"])
	assert.Equal(t, "1: lo\n", logs[0].Body["network_int"])
	assert.Contains(t, logs[0].Body["errors"], "pathTrace")

	snap := ta.Session().Snapshot()
	assert.Equal(t, StateHealthy, snap.State)
	assert.Equal(t, KindHeartbeat, snap.Kind)
	assert.Equal(t, budget, snap.RetryBudget)
}

func TestReportHeartbeat_CycleIDSharedAcrossEscalation(t *testing.T) {
	ta := newTestAgent(t, 2, func(n int, r received) reply {
		if n <= 2 {
			return reply{Status: http.StatusBadGateway}
		}
		return reply{Status: http.StatusOK}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))
	first := ta.controller.Requests()
	require.Len(t, first, 4, "two heartbeats, one degraded report, one diagnostics upload")

	cycleID := first[0].CycleID
	require.NotEmpty(t, cycleID)
	for _, r := range first {
		assert.Equal(t, cycleID, r.CycleID, "%s status %d", r.Path, r.Status())
	}

	require.NoError(t, ta.ReportHeartbeat(context.Background()))
	all := ta.controller.Requests()
	require.Len(t, all, 5)
	assert.NotEmpty(t, all[4].CycleID)
	assert.NotEqual(t, cycleID, all[4].CycleID, "each cycle gets its own id")
}

func TestReportHeartbeat_RecoveryLoopsUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	degraded := 0
	ta := newTestAgent(t, 2, func(n int, r received) reply {
		switch {
		case r.Path == LogsPath:
			return reply{Status: http.StatusOK}
		case r.Status() == int(KindHeartbeat):
			return reply{Status: http.StatusBadGateway}
		}
		mu.Lock()
		defer mu.Unlock()
		degraded++
		if degraded < 4 {
			return reply{Status: http.StatusServiceUnavailable}
		}
		return reply{Status: http.StatusOK}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	assert.Equal(t, []int{1, 1, 2, 2, 2, 2}, statuses(ta.controller.RequestsTo(AgentsPath)))
	assert.Equal(t, 4, ta.runner.Scripts())
	assert.Len(t, ta.controller.RequestsTo(LogsPath), 1)

	// The next cycle is a plain heartbeat again.
	ta.controller.mu.Lock()
	ta.controller.handle = nil
	ta.controller.mu.Unlock()
	require.NoError(t, ta.ReportHeartbeat(context.Background()))
	agents := ta.controller.RequestsTo(AgentsPath)
	assert.Equal(t, int(KindHeartbeat), agents[len(agents)-1].Status())
}

func TestReportHeartbeat_RecoveryCanceled(t *testing.T) {
	ta := newTestAgent(t, 1, func(n int, r received) reply {
		return reply{Status: http.StatusServiceUnavailable}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ta.ReportHeartbeat(ctx) }()

	require.Eventually(t, func() bool {
		return len(ta.controller.Requests()) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery loop did not stop on cancellation")
	}

	assert.Empty(t, ta.controller.RequestsTo(LogsPath), "diagnostics are only sent after recovery")
	assert.Equal(t, StateDegraded, ta.Session().Snapshot().State)
}

func TestReportHeartbeat_DropsOverlappingTick(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	ta := newTestAgent(t, 5, func(int, received) reply {
		once.Do(func() { close(entered) })
		<-release
		return reply{Status: http.StatusOK}
	})

	done := make(chan error, 1)
	go func() { done <- ta.ReportHeartbeat(context.Background()) }()
	<-entered

	err := ta.ReportHeartbeat(context.Background())
	assert.ErrorIs(t, err, ErrHeartbeatInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Len(t, ta.controller.Requests(), 1, "the overlapping tick must not send")
}

func TestReportHeartbeat_UndecodableReplyCountsAsDelivered(t *testing.T) {
	ta := newTestAgent(t, 3, func(int, received) reply {
		return reply{Status: http.StatusOK, Raw: []byte("not an envelope")}
	})

	require.NoError(t, ta.ReportHeartbeat(context.Background()))
	assert.Len(t, ta.controller.Requests(), 1)
	assert.Equal(t, 0, ta.diag.Calls())
}

type stubHostMetrics struct{}

func (stubHostMetrics) Collect(context.Context) *health.Metrics {
	return &health.Metrics{CPUUsage: 12.5, MemoryUsage: 40, DiskUsage: 97, NetworkUp: true}
}

func TestReportHeartbeat_HostMetrics(t *testing.T) {
	ta := newTestAgent(t, 5, nil)
	ta.WithHostMetrics(stubHostMetrics{}, health.NewCheckerWithDefaults())

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	reqs := ta.controller.Requests()
	require.Len(t, reqs, 1)
	m, ok := reqs[0].Body["metrics"].(map[string]any)
	require.True(t, ok, "heartbeat should carry metrics")
	assert.Equal(t, 12.5, m["cpu_usage"])
	assert.Equal(t, string(health.StatusCritical), reqs[0].Body["health"])
	assert.NotNil(t, reqs[0].Body["os_info"])
}

func TestReportHeartbeat_Metrics(t *testing.T) {
	ta := newTestAgent(t, 2, func(n int, r received) reply {
		if r.Path == AgentsPath && r.Status() == int(KindHeartbeat) {
			return reply{Status: http.StatusInternalServerError}
		}
		return reply{Status: http.StatusOK}
	})
	m, err := metrics.NewAgentMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	ta.WithMetrics(m)

	require.NoError(t, ta.ReportHeartbeat(context.Background()))

	assert.Equal(t, 2.0, counterValue(t, m.HeartbeatAttempts, "heartbeat", "failure"))
	assert.Equal(t, 1.0, counterValue(t, m.HeartbeatAttempts, "degraded", "success"))
	assert.Equal(t, 1.0, testCounter(t, m.RecoveryIterations))
	assert.Equal(t, 1.0, gaugeValue(t, m.SessionState, metrics.StateHealthy))
}

func TestReportHeartbeat_EncodeFailureSkipsSend(t *testing.T) {
	ta := newTestAgent(t, 5, nil)
	ta.client.codec = failingCodec{}

	err := ta.ReportHeartbeat(context.Background())
	assert.ErrorIs(t, err, ErrEncodeReport)
	assert.Empty(t, ta.controller.Requests())
	assert.Equal(t, 5, ta.Session().Snapshot().RetryBudget, "encode failures do not consume the budget")
}

func TestReportKind_String(t *testing.T) {
	assert.Equal(t, "heartbeat", KindHeartbeat.String())
	assert.Equal(t, "degraded", KindDegraded.String())
	assert.Equal(t, "command_poll", KindCommandPollRequest.String())
	assert.Equal(t, "command_result", KindCommandResult.String())
	assert.Equal(t, "kind(9)", ReportKind(9).String())
}

var errCodec = errors.New("codec unavailable")

type failingCodec struct{}

func (failingCodec) EncryptAndSign(any) ([]byte, error) { return nil, errCodec }

func (failingCodec) DecryptAndVerify([]byte, any) (*crypto.Verification, error) {
	return nil, errCodec
}
