// Package daemon schedules the agent's two entry operations and serves its
// metrics until shutdown.
package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/agent"
	"github.com/MacJediWizard/hostwatch/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultStopTimeout bounds how long Run waits for running jobs on shutdown.
const DefaultStopTimeout = 30 * time.Second

// Agent is the pair of operations the daemon triggers.
type Agent interface {
	ReportHeartbeat(ctx context.Context) error
	PollAndExecuteCommands(ctx context.Context) error
}

// Config configures a Daemon.
type Config struct {
	HeartbeatInterval   time.Duration
	CommandPollInterval time.Duration
	// MetricsAddr is the listen address of the metrics endpoint. Empty disables it.
	MetricsAddr string
	Gatherer    prometheus.Gatherer
	StopTimeout time.Duration
}

// Daemon runs the agent on independent timers.
type Daemon struct {
	agent  Agent
	cfg    Config
	logger zerolog.Logger
}

// New creates a daemon.
func New(a Agent, cfg Config, logger zerolog.Logger) *Daemon {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	return &Daemon{
		agent:  a,
		cfg:    cfg,
		logger: logger.With().Str("component", "daemon").Logger(),
	}
}

// Run sends an initial heartbeat and command poll, then triggers both on
// their intervals until ctx is canceled. Jobs receive ctx, so a recovery loop
// in progress stops on shutdown. Run returns once every running job has
// finished or StopTimeout has passed.
func (d *Daemon) Run(ctx context.Context) error {
	recoverPanics := cron.Recover(cronLogger{d.logger})
	scheduler := cron.New(cron.WithChain(recoverPanics))
	scheduler.Schedule(cron.Every(d.cfg.HeartbeatInterval), d.heartbeatJob(ctx))
	scheduler.Schedule(cron.Every(d.cfg.CommandPollInterval), d.pollJob(ctx))

	var srv *http.Server
	if d.cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", d.cfg.MetricsAddr)
		if err != nil {
			return err
		}
		srv = &http.Server{
			Handler:           d.metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		d.logger.Info().Str("addr", ln.Addr().String()).Msg("metrics endpoint listening")
	}

	d.logger.Info().
		Dur("heartbeat_interval", d.cfg.HeartbeatInterval).
		Dur("command_poll_interval", d.cfg.CommandPollInterval).
		Msg("agent daemon starting")

	var initial sync.WaitGroup
	for _, job := range []cron.Job{d.heartbeatJob(ctx), d.pollJob(ctx)} {
		initial.Add(1)
		go func(j cron.Job) {
			defer initial.Done()
			j.Run()
		}(cron.NewChain(recoverPanics).Then(job))
	}
	scheduler.Start()

	<-ctx.Done()
	d.logger.Info().Msg("shutting down")

	stopped := scheduler.Stop()
	finished := make(chan struct{})
	go func() {
		initial.Wait()
		<-stopped.Done()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(d.cfg.StopTimeout):
		d.logger.Warn().Dur("timeout", d.cfg.StopTimeout).Msg("jobs still running at shutdown")
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("metrics server shutdown")
		}
	}

	return nil
}

func (d *Daemon) heartbeatJob(ctx context.Context) cron.Job {
	return cron.FuncJob(func() {
		err := d.agent.ReportHeartbeat(ctx)
		switch {
		case err == nil, errors.Is(err, agent.ErrHeartbeatInProgress), ctx.Err() != nil:
		default:
			d.logger.Error().Err(err).Msg("heartbeat cycle failed")
		}
	})
}

// pollJob ignores the returned error; PollAndExecuteCommands logs its own
// failures.
func (d *Daemon) pollJob(ctx context.Context) cron.Job {
	return cron.FuncJob(func() {
		_ = d.agent.PollAndExecuteCommands(ctx)
	})
}

func (d *Daemon) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	if d.cfg.Gatherer != nil {
		mux.Handle("/metrics", metrics.Handler(d.cfg.Gatherer))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
