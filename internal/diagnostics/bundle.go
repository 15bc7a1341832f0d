// Package diagnostics captures local network and system state when the
// controller cannot be reached, and runs the agent's self-test.
package diagnostics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/commands"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Probe names, in bundle order.
const (
	RouteTable        = "routeTable"
	NetworkManagerLog = "networkManagerLog"
	PathTrace         = "pathTrace"
	KernelRingBuffer  = "kernelRingBuffer"
	InterfaceList     = "interfaceList"
)

// DefaultProbeTimeout bounds a single probe.
const DefaultProbeTimeout = 30 * time.Second

// DefaultProbeConcurrency is how many probes run at once.
const DefaultProbeConcurrency = 3

// Probe is a named shell command whose output is captured. When Tail is
// positive only the last Tail lines of a successful run are kept.
type Probe struct {
	Name    string
	Command string
	Tail    int
}

// DefaultProbes returns the five standard probes. serverHost is the
// controller host traced by the pathTrace probe.
func DefaultProbes(serverHost string) []Probe {
	return []Probe{
		{Name: RouteTable, Command: "sudo -n /usr/sbin/ip route show"},
		{Name: NetworkManagerLog, Command: "sudo -n /usr/bin/journalctl -u NetworkManager --since today --no-pager"},
		{Name: PathTrace, Command: "sudo -n /usr/bin/tracepath " + shellQuote(serverHost)},
		{Name: KernelRingBuffer, Command: "sudo -n /usr/bin/dmesg --ctime", Tail: 10},
		{Name: InterfaceList, Command: "sudo -n /usr/sbin/ip a"},
	}
}

// shellQuote wraps s in single quotes for sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// CommandRunner runs a shell command. *commands.Executor implements it.
type CommandRunner interface {
	Run(ctx context.Context, text string) *commands.Result
}

// ProbeRecorder receives the outcome of every probe.
type ProbeRecorder interface {
	RecordProbe(probe string, ok bool)
}

// ProbeResult is the captured output of one probe. A failed probe has an
// empty Output and a non-nil Err.
type ProbeResult struct {
	Name     string
	Output   string
	Err      error
	Duration time.Duration
}

// OK reports whether the probe succeeded.
func (p ProbeResult) OK() bool {
	return p.Err == nil
}

// Bundle is one diagnostics snapshot. Probes always holds one result per
// configured probe, in configuration order.
type Bundle struct {
	CollectedAt time.Time
	Probes      []ProbeResult
}

// Probe returns the result named name.
func (b *Bundle) Probe(name string) (ProbeResult, bool) {
	for _, p := range b.Probes {
		if p.Name == name {
			return p, true
		}
	}
	return ProbeResult{}, false
}

// Failed returns the number of failed probes.
func (b *Bundle) Failed() int {
	n := 0
	for _, p := range b.Probes {
		if !p.OK() {
			n++
		}
	}
	return n
}

// LogsPayload is the body sent to the controller's logs endpoint.
type LogsPayload struct {
	IPRoute     string            `json:"ip_route"`
	Journalctl  string            `json:"journalctl"`
	Tracepath   string            `json:"tracepath"`
	Dmesg       string            `json:"dmsg"`
	NetworkInt  string            `json:"network_int"`
	Errors      map[string]string `json:"errors,omitempty"`
	CollectedAt time.Time         `json:"collected_at"`
}

// Payload converts the bundle into the logs endpoint body.
func (b *Bundle) Payload() *LogsPayload {
	p := &LogsPayload{CollectedAt: b.CollectedAt}
	for _, r := range b.Probes {
		switch r.Name {
		case RouteTable:
			p.IPRoute = r.Output
		case NetworkManagerLog:
			p.Journalctl = r.Output
		case PathTrace:
			p.Tracepath = r.Output
		case KernelRingBuffer:
			p.Dmesg = r.Output
		case InterfaceList:
			p.NetworkInt = r.Output
		}
		if r.Err != nil {
			if p.Errors == nil {
				p.Errors = make(map[string]string)
			}
			p.Errors[r.Name] = r.Err.Error()
		}
	}
	return p
}

// Collector runs the probes.
type Collector struct {
	probes      []Probe
	runner      CommandRunner
	timeout     time.Duration
	concurrency int
	recorder    ProbeRecorder
	logger      zerolog.Logger
}

// NewCollector creates a collector for probes.
func NewCollector(probes []Probe, runner CommandRunner, logger zerolog.Logger) *Collector {
	return &Collector{
		probes:      probes,
		runner:      runner,
		timeout:     DefaultProbeTimeout,
		concurrency: DefaultProbeConcurrency,
		logger:      logger.With().Str("component", "diagnostics").Logger(),
	}
}

// WithRecorder sets the recorder notified of every probe outcome.
func (c *Collector) WithRecorder(r ProbeRecorder) *Collector {
	c.recorder = r
	return c
}

// WithTimeout sets the per-probe timeout.
func (c *Collector) WithTimeout(d time.Duration) *Collector {
	c.timeout = d
	return c
}

// WithConcurrency sets how many probes may run at once. n <= 0 removes the limit.
func (c *Collector) WithConcurrency(n int) *Collector {
	c.concurrency = n
	return c
}

// Collect runs the probes, at most concurrency at a time. A failing probe is
// recorded in its result and never affects the others.
func (c *Collector) Collect(ctx context.Context) *Bundle {
	b := &Bundle{
		CollectedAt: time.Now().UTC(),
		Probes:      make([]ProbeResult, len(c.probes)),
	}

	var g errgroup.Group
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, probe := range c.probes {
		i, probe := i, probe
		g.Go(func() error {
			b.Probes[i] = c.run(ctx, probe)
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Info().
		Int("probes", len(b.Probes)).
		Int("failed", b.Failed()).
		Msg("diagnostics collected")

	return b
}

func (c *Collector) run(ctx context.Context, probe Probe) ProbeResult {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res := c.runner.Run(ctx, probe.Command)
	r := ProbeResult{
		Name:     probe.Name,
		Duration: res.Duration,
	}
	if res.Failed() {
		r.Err = probeError(res)
		c.logger.Warn().Str("probe", probe.Name).Err(r.Err).Msg("diagnostic probe failed")
	} else {
		r.Output = lastLines(res.Output, probe.Tail)
	}

	if c.recorder != nil {
		c.recorder.RecordProbe(probe.Name, r.OK())
	}
	return r
}

// lastLines keeps the last n lines of s. n <= 0 keeps everything.
func lastLines(s string, n int) string {
	if n <= 0 {
		return s
	}
	trimmed := strings.TrimSuffix(s, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return s
	}
	out := strings.Join(lines[len(lines)-n:], "\n")
	if trimmed != s {
		out += "\n"
	}
	return out
}

// probeError describes a failed probe, including the first line of its
// output when there is one.
func probeError(res *commands.Result) error {
	line, _, _ := strings.Cut(strings.TrimSpace(res.Output), "\n")
	if line == "" {
		return fmt.Errorf("exit %d: %w", res.ExitCode, res.Err)
	}
	return fmt.Errorf("exit %d: %w: %s", res.ExitCode, res.Err, line)
}
