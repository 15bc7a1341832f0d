// Package config provides configuration management for the hostwatch agent.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigDir is the directory holding the agent configuration and key material.
const DefaultConfigDir = "/etc/hostwatch"

// Default values applied by Load when a field is not set.
const (
	DefaultHeartbeatInterval      = 15 * time.Second
	DefaultCommandPollInterval    = 10 * time.Second
	DefaultRetryBudget            = 5
	DefaultRecoveryBackoffInitial = time.Second
	DefaultRecoveryBackoffMax     = time.Minute
	DefaultLogLevel               = "info"
)

// Environment variables that override values from the config file.
const (
	EnvAgentID             = "HOSTWATCH_AGENT_ID"
	EnvLegacyAgentID       = "UUID"
	EnvServerURL           = "HOSTWATCH_SERVER_URL"
	EnvTLSVerify           = "HOSTWATCH_TLS_VERIFY"
	EnvHeartbeatInterval   = "HOSTWATCH_HEARTBEAT_INTERVAL"
	EnvCommandPollInterval = "HOSTWATCH_COMMAND_POLL_INTERVAL"
	EnvLogLevel            = "HOSTWATCH_LOG_LEVEL"
)

// DefaultConfigPath returns the default config file path (/etc/hostwatch/config.yml).
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir, "config.yml")
}

// ProxyConfig holds outbound proxy settings for controller traffic.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	NoProxy     string `yaml:"no_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
}

// HasProxy returns true if any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// AgentConfig holds the agent's configuration.
type AgentConfig struct {
	AgentID             string        `yaml:"agent_id,omitempty"`
	ServerURL           string        `yaml:"server_url,omitempty"`
	TLSVerify           *bool         `yaml:"tls_verify,omitempty"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval,omitempty"`
	CommandPollInterval time.Duration `yaml:"command_poll_interval,omitempty"`
	RetryBudget         int           `yaml:"retry_budget,omitempty"`

	PrivateKeyPath      string `yaml:"private_key_path,omitempty"`
	ServerPublicKeyPath string `yaml:"server_public_key_path,omitempty"`
	RemediationScript   string `yaml:"remediation_script,omitempty"`

	RecoveryBackoffInitial time.Duration `yaml:"recovery_backoff_initial,omitempty"`
	RecoveryBackoffMax     time.Duration `yaml:"recovery_backoff_max,omitempty"`

	// RequireSignedResponses rejects controller replies whose signature
	// cannot be verified. Off by default: unverified replies are logged and used.
	RequireSignedResponses bool `yaml:"require_signed_responses,omitempty"`

	MetricsAddr string       `yaml:"metrics_addr,omitempty"`
	LogLevel    string       `yaml:"log_level,omitempty"`
	Proxy       *ProxyConfig `yaml:"proxy,omitempty"`
}

// VerifyTLS reports whether the controller's TLS certificate must be verified.
func (c *AgentConfig) VerifyTLS() bool {
	return c.TLSVerify == nil || *c.TLSVerify
}

// GetProxyConfig returns the proxy configuration, or nil if none is set.
func (c *AgentConfig) GetProxyConfig() *ProxyConfig {
	if !c.Proxy.HasProxy() {
		return nil
	}
	return c.Proxy
}

// Validate checks that the configuration has required fields for operation.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("invalid server_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return errors.New("server_url must use http or https scheme")
	}
	if parsed.Host == "" {
		return errors.New("server_url must include a host")
	}
	if c.PrivateKeyPath == "" {
		return errors.New("private_key_path is required")
	}
	if c.ServerPublicKeyPath == "" {
		return errors.New("server_public_key_path is required")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.CommandPollInterval <= 0 {
		return errors.New("command_poll_interval must be positive")
	}
	if c.RetryBudget <= 0 {
		return errors.New("retry_budget must be positive")
	}
	if c.RecoveryBackoffMax < c.RecoveryBackoffInitial {
		return errors.New("recovery_backoff_max must not be less than recovery_backoff_initial")
	}
	return nil
}

// IsConfigured returns true if the agent has an identity and a controller.
func (c *AgentConfig) IsConfigured() bool {
	return c.AgentID != "" && c.ServerURL != ""
}

// ServerHost returns the controller host name without port.
func (c *AgentConfig) ServerHost() string {
	parsed, err := url.Parse(c.ServerURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// applyDefaults fills unset fields with their defaults.
func (c *AgentConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.CommandPollInterval == 0 {
		c.CommandPollInterval = DefaultCommandPollInterval
	}
	if c.RetryBudget == 0 {
		c.RetryBudget = DefaultRetryBudget
	}
	if c.RecoveryBackoffInitial == 0 {
		c.RecoveryBackoffInitial = DefaultRecoveryBackoffInitial
	}
	if c.RecoveryBackoffMax == 0 {
		c.RecoveryBackoffMax = DefaultRecoveryBackoffMax
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.PrivateKeyPath == "" {
		c.PrivateKeyPath = filepath.Join(DefaultConfigDir, "pgp", "priv_key.asc")
	}
	if c.ServerPublicKeyPath == "" {
		c.ServerPublicKeyPath = filepath.Join(DefaultConfigDir, "pgp", "server_pub_key.asc")
	}
	if c.RemediationScript == "" {
		c.RemediationScript = filepath.Join(DefaultConfigDir, "task.sh")
	}
}

// ApplyEnv overrides configuration values from the environment.
func (c *AgentConfig) ApplyEnv(getenv func(string) string) error {
	if v := getenv(EnvLegacyAgentID); v != "" {
		c.AgentID = v
	}
	if v := getenv(EnvAgentID); v != "" {
		c.AgentID = v
	}
	if v := getenv(EnvServerURL); v != "" {
		c.ServerURL = strings.TrimSuffix(v, "/")
	}
	if v := getenv(EnvTLSVerify); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvTLSVerify, err)
		}
		c.TLSVerify = &verify
	}
	if v := getenv(EnvHeartbeatInterval); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvHeartbeatInterval, err)
		}
		c.HeartbeatInterval = d
	}
	if v := getenv(EnvCommandPollInterval); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", EnvCommandPollInterval, err)
		}
		c.CommandPollInterval = d
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	return nil
}

// parseInterval accepts a Go duration ("15s") or a bare number of seconds ("15").
func parseInterval(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Load reads the configuration from the given path, applies defaults and
// environment overrides. If the file does not exist, defaults and the
// environment alone are used.
func Load(path string) (*AgentConfig, error) {
	var cfg AgentConfig

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.ServerURL = strings.TrimSuffix(cfg.ServerURL, "/")
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*AgentConfig, error) {
	return Load(DefaultConfigPath())
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *AgentConfig) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file holds the agent secret.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}
