// Package main is the entrypoint for the hostwatch agent CLI.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/MacJediWizard/hostwatch/internal/agent"
	"github.com/MacJediWizard/hostwatch/internal/commands"
	"github.com/MacJediWizard/hostwatch/internal/config"
	"github.com/MacJediWizard/hostwatch/internal/crypto"
	"github.com/MacJediWizard/hostwatch/internal/daemon"
	"github.com/MacJediWizard/hostwatch/internal/diagnostics"
	"github.com/MacJediWizard/hostwatch/internal/health"
	"github.com/MacJediWizard/hostwatch/internal/httpclient"
	"github.com/MacJediWizard/hostwatch/internal/metrics"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "hostwatch-agent",
		Short: "hostwatch host monitoring agent",
		Long: `hostwatch-agent reports liveness to a hostwatch controller and runs the
commands the controller queues for it. Every message is signed and encrypted
with OpenPGP.

When the controller stays unreachable the agent captures network diagnostics,
runs the operator's remediation script and keeps reporting a degraded status
until the controller answers again.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", config.DefaultConfigPath(), "Path to the agent config file")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides log_level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(flags),
		newStartCmd(flags),
		newHeartbeatCmd(flags),
		newPollCmd(flags),
		newDiagnoseCmd(flags),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "hostwatch agent %s\n", Version)
			fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			fmt.Fprintf(out, "  Built:      %s\n", BuildDate)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect agent configuration",
	}
	cmd.AddCommand(newConfigShowCmd(flags))
	return cmd
}

func newConfigShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config file: %s\n\n", flags.configPath)

			if !cfg.IsConfigured() {
				fmt.Fprintf(out, "Agent is not configured. Set agent_id and server_url in the config file or %s and %s.\n",
					config.EnvAgentID, config.EnvServerURL)
				return nil
			}

			fmt.Fprintf(out, "Server URL:            %s\n", cfg.ServerURL)
			fmt.Fprintf(out, "Agent ID:              %s\n", maskSecret(cfg.AgentID))
			fmt.Fprintf(out, "TLS verify:            %v\n", cfg.VerifyTLS())
			fmt.Fprintf(out, "Heartbeat interval:    %s\n", cfg.HeartbeatInterval)
			fmt.Fprintf(out, "Command poll interval: %s\n", cfg.CommandPollInterval)
			fmt.Fprintf(out, "Retry budget:          %d\n", cfg.RetryBudget)
			fmt.Fprintf(out, "Recovery backoff:      %s to %s\n", cfg.RecoveryBackoffInitial, cfg.RecoveryBackoffMax)
			fmt.Fprintf(out, "Private key:           %s\n", cfg.PrivateKeyPath)
			fmt.Fprintf(out, "Server public key:     %s\n", cfg.ServerPublicKeyPath)
			fmt.Fprintf(out, "Remediation script:    %s\n", cfg.RemediationScript)
			fmt.Fprintf(out, "Signed replies only:   %v\n", cfg.RequireSignedResponses)
			if cfg.MetricsAddr != "" {
				fmt.Fprintf(out, "Metrics address:       %s\n", cfg.MetricsAddr)
			}
			fmt.Fprintf(out, "Controller route:      %s\n", httpclient.Route(cfg.GetProxyConfig()))

			return nil
		},
	}
}

func newStartCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the agent daemon",
		Long: `Start the hostwatch agent as a long-running daemon process.

The daemon will:
  - Send a heartbeat every heartbeat_interval, escalating to diagnostics and
    recovery when the controller cannot be reached
  - Poll for queued commands every command_poll_interval and report results
  - Serve Prometheus metrics on metrics_addr when set`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rt.logger.Info().
				Str("version", Version).
				Str("server", rt.cfg.ServerURL).
				Str("agent_id", maskSecret(rt.cfg.AgentID)).
				Msg("hostwatch agent starting")

			d := daemon.New(rt.agent, daemon.Config{
				HeartbeatInterval:   rt.cfg.HeartbeatInterval,
				CommandPollInterval: rt.cfg.CommandPollInterval,
				MetricsAddr:         rt.cfg.MetricsAddr,
				Gatherer:            rt.registry,
			}, rt.logger)
			return d.Run(ctx)
		},
	}
}

func newHeartbeatCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "heartbeat",
		Short: "Run one heartbeat cycle",
		Long: `Run one heartbeat cycle and exit. If the retry budget is exhausted the
command stays in the recovery loop until the controller answers or it is
interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.agent.ReportHeartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Heartbeat delivered")
			return nil
		},
	}
}

func newPollCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Poll for queued commands once and run them",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(flags)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := rt.agent.PollAndExecuteCommands(ctx); err != nil {
				return fmt.Errorf("poll: %w", err)
			}
			return nil
		},
	}
}

func newDiagnoseCmd(flags *globalFlags) *cobra.Command {
	var (
		jsonOutput bool
		withProbes bool
	)

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Run the agent self-test",
		Long: `Check the configuration, key material and controller reachability.
With --probes the network diagnostics captured on escalation are collected
and printed as well.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger := newLogger(cmd.ErrOrStderr(), cfg, flags)

			report := diagnostics.NewRunner(cfg, Version).Run(cmd.Context())
			out := cmd.OutOrStdout()

			if jsonOutput {
				data, err := report.ToJSON()
				if err != nil {
					return fmt.Errorf("encode report: %w", err)
				}
				fmt.Fprintln(out, string(data))
			} else {
				printReport(out, report)
			}

			if withProbes {
				executor := commands.NewExecutor(logger)
				bundle := diagnostics.NewCollector(diagnostics.DefaultProbes(cfg.ServerHost()), executor, logger).
					Collect(cmd.Context())
				printBundle(out, bundle)
			}

			if !report.Summary.AllPass {
				return errors.New("self-test failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the self-test report as JSON")
	cmd.Flags().BoolVar(&withProbes, "probes", false, "Also collect and print the network diagnostics")

	return cmd
}

// runtimeDeps is everything the agent commands share.
type runtimeDeps struct {
	cfg      *config.AgentConfig
	logger   zerolog.Logger
	registry *prometheus.Registry
	agent    *agent.Agent
}

// setup loads and validates the configuration and wires the agent.
func setup(flags *globalFlags) (*runtimeDeps, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent not configured: %w", err)
	}

	logger := newLogger(os.Stderr, cfg, flags)
	if !cfg.VerifyTLS() {
		logger.Warn().Msg("TLS certificate verification is disabled")
	}

	keyring, err := crypto.LoadKeyRing(cfg.PrivateKeyPath, cfg.ServerPublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load keys: %w", err)
	}
	codec, err := crypto.NewCodec(keyring, cfg.AgentID, crypto.Options{
		RequireSignedResponses: cfg.RequireSignedResponses,
	}, logger)
	if err != nil {
		return nil, err
	}

	httpClient, err := httpclient.NewWithConfig(cfg, 0)
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	agentMetrics, err := metrics.NewAgentMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	executor := commands.NewExecutor(logger)
	collector := diagnostics.NewCollector(diagnostics.DefaultProbes(cfg.ServerHost()), executor, logger).
		WithRecorder(agentMetrics)
	client := agent.NewClient(cfg.ServerURL, cfg.AgentID, httpClient, codec, logger)

	a := agent.New(client, executor, collector, agent.Options{
		RetryBudget:       cfg.RetryBudget,
		RemediationScript: cfg.RemediationScript,
		BackoffInitial:    cfg.RecoveryBackoffInitial,
		BackoffMax:        cfg.RecoveryBackoffMax,
	}, logger).
		WithMetrics(agentMetrics).
		WithHostMetrics(health.NewCollector(), health.NewCheckerWithDefaults())

	return &runtimeDeps{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		agent:    a,
	}, nil
}

// newLogger builds the process logger. The --log-level flag wins over the
// config file; an unknown level falls back to info.
func newLogger(w io.Writer, cfg *config.AgentConfig, flags *globalFlags) zerolog.Logger {
	level := cfg.LogLevel
	if flags.logLevel != "" {
		level = flags.logLevel
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(parseLevel(level))
}

func parseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func printReport(out io.Writer, report *diagnostics.Report) {
	fmt.Fprintf(out, "hostwatch agent %s on %s (%s/%s)\n\n", report.AgentVersion, report.Hostname, report.OS, report.Arch)
	for _, check := range report.Checks {
		fmt.Fprintf(out, "  %s %-20s %s\n", statusLabel(check.Status), check.Name, check.Message)
	}
	fmt.Fprintf(out, "\n%d checks: %d passed, %d warned, %d failed, %d skipped\n",
		report.Summary.Total, report.Summary.Passed, report.Summary.Warned, report.Summary.Failed, report.Summary.Skipped)
}

func statusLabel(status diagnostics.CheckStatus) string {
	switch status {
	case diagnostics.StatusPass:
		return color.GreenString("[PASS]")
	case diagnostics.StatusWarn:
		return color.YellowString("[WARN]")
	case diagnostics.StatusFail:
		return color.RedString("[FAIL]")
	default:
		return color.New(color.Faint).Sprint("[SKIP]")
	}
}

func printBundle(out io.Writer, bundle *diagnostics.Bundle) {
	heading := color.New(color.Bold)
	for _, probe := range bundle.Probes {
		fmt.Fprintln(out)
		if probe.OK() {
			fmt.Fprintf(out, "%s %s\n", heading.Sprint("=== "+probe.Name), color.GreenString("ok"))
			fmt.Fprint(out, probe.Output)
			continue
		}
		fmt.Fprintf(out, "%s %s\n", heading.Sprint("=== "+probe.Name), color.RedString("failed: %v", probe.Err))
	}
}

// maskSecret returns a masked version of a secret for display.
func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
