package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/MacJediWizard/hostwatch/internal/config"
	"github.com/MacJediWizard/hostwatch/internal/crypto"
	"github.com/MacJediWizard/hostwatch/internal/httpclient"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// CheckStatus represents the status of a self-test check.
type CheckStatus string

const (
	// StatusPass indicates the check passed.
	StatusPass CheckStatus = "pass"
	// StatusFail indicates the check failed.
	StatusFail CheckStatus = "fail"
	// StatusWarn indicates the check passed with warnings.
	StatusWarn CheckStatus = "warn"
	// StatusSkip indicates the check was skipped.
	StatusSkip CheckStatus = "skip"
)

// CheckResult represents the result of a single self-test check.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
	Details any         `json:"details,omitempty"`
}

// Report contains the complete self-test output.
type Report struct {
	Timestamp    time.Time     `json:"timestamp"`
	AgentVersion string        `json:"agent_version"`
	Hostname     string        `json:"hostname"`
	OS           string        `json:"os"`
	Arch         string        `json:"arch"`
	Checks       []CheckResult `json:"checks"`
	Summary      Summary       `json:"summary"`
}

// Summary provides a quick overview of the self-test results.
type Summary struct {
	Total   int  `json:"total"`
	Passed  int  `json:"passed"`
	Failed  int  `json:"failed"`
	Warned  int  `json:"warned"`
	Skipped int  `json:"skipped"`
	AllPass bool `json:"all_pass"`
}

// DiskSpaceDetails contains disk space information.
type DiskSpaceDetails struct {
	Path       string  `json:"path"`
	TotalBytes int64   `json:"total_bytes"`
	FreeBytes  int64   `json:"free_bytes"`
	UsedPct    float64 `json:"used_percent"`
}

// ServerDetails contains controller reachability information.
type ServerDetails struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Latency    string `json:"latency,omitempty"`
}

// Runner runs the self-test checks.
type Runner struct {
	cfg      *config.AgentConfig
	version  string
	diskPath string
}

// NewRunner creates a new self-test runner.
func NewRunner(cfg *config.AgentConfig, version string) *Runner {
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = "C:\\"
	}
	return &Runner{
		cfg:      cfg,
		version:  version,
		diskPath: diskPath,
	}
}

// Run executes every check and returns the report.
func (r *Runner) Run(ctx context.Context) *Report {
	hostname, _ := os.Hostname()

	report := &Report{
		Timestamp:    time.Now().UTC(),
		AgentVersion: r.version,
		Hostname:     hostname,
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
	}

	report.Checks = append(report.Checks,
		r.checkConfig(),
		r.checkKeyFiles(),
		r.checkKeyRing(),
		r.checkServerReachability(ctx),
		r.checkDiskSpace(ctx),
	)

	for _, check := range report.Checks {
		report.Summary.Total++
		switch check.Status {
		case StatusPass:
			report.Summary.Passed++
		case StatusFail:
			report.Summary.Failed++
		case StatusWarn:
			report.Summary.Warned++
		case StatusSkip:
			report.Summary.Skipped++
		}
	}
	report.Summary.AllPass = report.Summary.Failed == 0

	return report
}

func (r *Runner) checkConfig() CheckResult {
	check := CheckResult{Name: "config"}

	if r.cfg == nil {
		check.Status = StatusFail
		check.Message = "No configuration loaded"
		return check
	}
	if err := r.cfg.Validate(); err != nil {
		check.Status = StatusFail
		check.Message = err.Error()
		return check
	}
	if !r.cfg.VerifyTLS() {
		check.Status = StatusWarn
		check.Message = "TLS certificate verification is disabled"
		return check
	}

	check.Status = StatusPass
	check.Message = "Configuration is valid"
	return check
}

// checkKeyFiles verifies the key files exist and the private key is not
// readable by other users.
func (r *Runner) checkKeyFiles() CheckResult {
	check := CheckResult{Name: "key_files"}

	if r.cfg == nil || r.cfg.PrivateKeyPath == "" || r.cfg.ServerPublicKeyPath == "" {
		check.Status = StatusSkip
		check.Message = "Key paths not configured"
		return check
	}

	details := map[string]string{}
	for _, path := range []string{r.cfg.PrivateKeyPath, r.cfg.ServerPublicKeyPath} {
		info, err := os.Stat(path)
		if err != nil {
			check.Status = StatusFail
			check.Message = fmt.Sprintf("Key file unavailable: %v", err)
			return check
		}
		details[path] = fmt.Sprintf("%04o", info.Mode().Perm())
	}
	check.Details = details

	if runtime.GOOS != "windows" {
		info, _ := os.Stat(r.cfg.PrivateKeyPath)
		if info != nil && info.Mode().Perm()&0077 != 0 {
			check.Status = StatusWarn
			check.Message = fmt.Sprintf("Private key has loose permissions (%04o), recommend 0600", info.Mode().Perm())
			return check
		}
	}

	check.Status = StatusPass
	check.Message = "Key files present"
	return check
}

// checkKeyRing loads both keys and verifies that there is one local identity
// and exactly one counterparty key.
func (r *Runner) checkKeyRing() CheckResult {
	check := CheckResult{Name: "key_ring"}

	if r.cfg == nil || r.cfg.PrivateKeyPath == "" || r.cfg.ServerPublicKeyPath == "" {
		check.Status = StatusSkip
		check.Message = "Key paths not configured"
		return check
	}

	keyring, err := crypto.LoadKeyRing(r.cfg.PrivateKeyPath, r.cfg.ServerPublicKeyPath)
	if err != nil {
		check.Status = StatusFail
		check.Message = err.Error()
		return check
	}

	codec, err := crypto.NewCodec(keyring, r.cfg.AgentID, crypto.Options{}, zerolog.Nop())
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Cannot unlock private key: %v", err)
		return check
	}

	recipient, err := codec.Recipient()
	switch {
	case errors.Is(err, crypto.ErrNoPrivateKey):
		check.Status = StatusFail
		check.Message = "No private key found"
		return check
	case err != nil:
		check.Status = StatusFail
		check.Message = err.Error()
		return check
	}

	check.Status = StatusPass
	check.Message = "Key ring holds one identity and one counterparty key"
	check.Details = map[string]string{
		"identity":     fmt.Sprintf("%X", codec.Identity().PrimaryKey.Fingerprint),
		"counterparty": fmt.Sprintf("%X", recipient.PrimaryKey.Fingerprint),
	}
	return check
}

// checkServerReachability sends a HEAD request to the controller. Any HTTP
// response counts: the controller only answers encrypted POSTs.
func (r *Runner) checkServerReachability(ctx context.Context) CheckResult {
	check := CheckResult{Name: "server_reachability"}

	if r.cfg == nil || r.cfg.ServerURL == "" {
		check.Status = StatusSkip
		check.Message = "Server URL not configured"
		return check
	}

	client, err := httpclient.NewWithConfig(r.cfg, 10*time.Second)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Failed to create HTTP client: %v", err)
		return check
	}

	details := ServerDetails{URL: r.cfg.ServerURL + "/agents"}
	start := time.Now()
	status, err := httpclient.CheckReachability(ctx, client, details.URL)
	latency := time.Since(start)
	details.Latency = latency.String()
	check.Details = details

	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Failed to reach controller: %v", err)
		return check
	}
	details.StatusCode = status
	check.Details = details

	check.Status = StatusPass
	check.Message = fmt.Sprintf("Controller reachable (HTTP %d, latency: %s)", status, latency.Round(time.Millisecond))
	return check
}

func (r *Runner) checkDiskSpace(ctx context.Context) CheckResult {
	check := CheckResult{Name: "disk_space"}

	usage, err := disk.UsageWithContext(ctx, r.diskPath)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Failed to check disk space: %v", err)
		return check
	}

	details := &DiskSpaceDetails{
		Path:       r.diskPath,
		TotalBytes: int64(usage.Total),
		FreeBytes:  int64(usage.Free),
		UsedPct:    usage.UsedPercent,
	}
	check.Details = details

	// Warning if > 90% used, fail if > 95% used
	switch {
	case details.UsedPct >= 95:
		check.Status = StatusFail
		check.Message = fmt.Sprintf("Critically low disk space: %.1f%% used", details.UsedPct)
	case details.UsedPct >= 90:
		check.Status = StatusWarn
		check.Message = fmt.Sprintf("Low disk space warning: %.1f%% used", details.UsedPct)
	default:
		check.Status = StatusPass
		check.Message = fmt.Sprintf("Disk space OK: %.1f%% used, %s free", details.UsedPct, FormatBytes(details.FreeBytes))
	}
	return check
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

// ToJSON returns the report as indented JSON.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
