package agent

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/diagnostics"
	"github.com/MacJediWizard/hostwatch/internal/health"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrHeartbeatInProgress is returned when a heartbeat tick arrives while a
// previous cycle is still running. The tick is dropped.
var ErrHeartbeatInProgress = errors.New("heartbeat already in progress")

// ReportHeartbeat runs one heartbeat cycle. The heartbeat is retried
// immediately until the retry budget is spent; then diagnostics are captured
// and the agent enters the Degraded recovery loop, which returns only once a
// Degraded report is accepted or ctx is canceled. After recovery the
// diagnostics bundle is sent to the logs endpoint.
func (a *Agent) ReportHeartbeat(ctx context.Context) error {
	if !a.session.guard.TryLock() {
		a.logger.Debug().Msg("heartbeat already running, dropping tick")
		a.metrics.RecordDroppedTick()
		return ErrHeartbeatInProgress
	}
	defer a.session.guard.Unlock()

	cycleID := uuid.NewString()
	ctx = withCycleID(ctx, cycleID)
	logger := a.logger.With().Str("cycle_id", cycleID).Logger()
	report := a.heartbeatReport(ctx)

	for a.session.budget() > 0 {
		err := a.send(ctx, report)
		if err == nil {
			a.session.markDelivered()
			logger.Debug().Msg("heartbeat sent")
			return nil
		}
		if errors.Is(err, ErrEncodeReport) {
			logger.Error().Err(err).Msg("failed to encode heartbeat, skipping send")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		remaining := a.session.consumeRetry()
		logger.Warn().Err(err).Int("retries_left", remaining).Msg("failed to send heartbeat")
	}

	logger.Warn().Msg("retry budget exhausted, collecting diagnostics")
	a.setState(StateEscalating, KindHeartbeat)
	bundle := a.diagnostics.Collect(ctx)
	a.setState(StateDegraded, KindDegraded)

	if err := a.recover(ctx, logger); err != nil {
		logger.Warn().Err(err).Msg("recovery interrupted")
		return err
	}

	a.session.markDelivered()
	a.metrics.SetState(StateHealthy.String())
	logger.Info().Msg("controller reachable again, leaving degraded state")

	a.sendDiagnostics(ctx, logger, bundle)
	return nil
}

// recover loops until a Degraded report is accepted. Every iteration runs the
// remediation script first; failed sends wait a capped exponential backoff.
func (a *Agent) recover(ctx context.Context, logger zerolog.Logger) error {
	report := &Report{Status: KindDegraded}

	operation := func() error {
		a.metrics.RecordRecoveryIteration()
		if a.opts.RemediationScript != "" {
			if err := a.runner.RunScript(ctx, a.opts.RemediationScript); err != nil {
				logger.Debug().Err(err).Msg("remediation script reported failure")
			}
		}
		return a.send(ctx, report)
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("failed to send degraded report")
	}

	return backoff.RetryNotify(operation, backoff.WithContext(a.newBackOff(), ctx), notify)
}

// send delivers report once. A 2xx response whose body cannot be decoded
// still counts as delivered.
func (a *Agent) send(ctx context.Context, report *Report) error {
	var reply json.RawMessage
	err := a.client.SendReport(ctx, AgentsPath, report, &reply)
	if errors.Is(err, ErrUndecodableResponse) {
		a.logger.Warn().Err(err).Msg("controller accepted report but reply could not be decoded")
		err = nil
	}

	a.metrics.RecordHeartbeat(report.Status.String(), err == nil)
	if err == nil && len(reply) > 0 {
		a.logger.Debug().RawJSON("reply", reply).Msg("controller reply")
	}
	return err
}

func (a *Agent) sendDiagnostics(ctx context.Context, logger zerolog.Logger, bundle *diagnostics.Bundle) {
	if bundle == nil {
		return
	}
	if err := a.client.SendReport(ctx, LogsPath, bundle.Payload(), nil); err != nil {
		logger.Error().Err(err).Msg("failed to send diagnostics")
		return
	}
	logger.Info().Int("failed_probes", bundle.Failed()).Msg("diagnostics sent")
}

// heartbeatReport builds the heartbeat body, with host metrics when a
// collector is attached.
func (a *Agent) heartbeatReport(ctx context.Context) *Report {
	report := &Report{Status: a.session.currentKind()}
	if a.hostMetrics == nil {
		return report
	}

	m := a.hostMetrics.Collect(ctx)
	report.Metrics = m
	if a.checker != nil {
		report.Health = a.checker.Evaluate(m, a.session.Snapshot().LastSuccess).Status
	}
	info := health.GetOSInfo()
	report.OSInfo = &info
	return report
}

func (a *Agent) setState(state State, kind ReportKind) {
	a.session.transition(state, kind)
	a.metrics.SetState(state.String())
}
