package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/MacJediWizard/hostwatch/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "****"},
		{"short", "****"},
		{"12345678", "****"},
		{"0f3c2a1e-77aa-4b1c-9d2e-5a6b7c8d9e0f", "0f3c****9e0f"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, maskSecret(tt.in), "maskSecret(%q)", tt.in)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
	assert.Equal(t, zerolog.InfoLevel, parseLevel(""))
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"start", "heartbeat", "poll", "diagnose", "config", "version"} {
		assert.Contains(t, names, want)
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
	assert.NotNil(t, root.PersistentFlags().Lookup("log-level"))
}

func clearAgentEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		config.EnvAgentID, config.EnvLegacyAgentID, config.EnvServerURL, config.EnvTLSVerify,
		config.EnvHeartbeatInterval, config.EnvCommandPollInterval, config.EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestConfigShow(t *testing.T) {
	clearAgentEnv(t)

	path := filepath.Join(t.TempDir(), "config.yml")
	cfg := &config.AgentConfig{
		AgentID:   "0f3c2a1e-77aa-4b1c-9d2e-5a6b7c8d9e0f",
		ServerURL: "https://monitor.example.com",
	}
	require.NoError(t, cfg.Save(path))

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)

	assert.Contains(t, out, "https://monitor.example.com")
	assert.Contains(t, out, "0f3c****9e0f")
	assert.NotContains(t, out, cfg.AgentID)
	assert.Contains(t, out, "Retry budget:          5")
}

func TestConfigShow_NotConfigured(t *testing.T) {
	clearAgentEnv(t)

	out, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yml"), "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "Agent is not configured")
}

func TestStart_RequiresConfiguration(t *testing.T) {
	clearAgentEnv(t)

	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "missing.yml"), "start")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent_id is required")
}

func TestHeartbeat_MissingKeys(t *testing.T) {
	clearAgentEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	cfg := &config.AgentConfig{
		AgentID:             "agent-secret",
		ServerURL:           "https://monitor.example.com",
		PrivateKeyPath:      filepath.Join(dir, "priv_key.asc"),
		ServerPublicKeyPath: filepath.Join(dir, "server_pub_key.asc"),
	}
	require.NoError(t, cfg.Save(path))

	_, err := execute(t, "--config", path, "heartbeat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load keys")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "hostwatch agent "+Version)
	assert.Contains(t, out, "Commit:")
}

func TestMain(m *testing.M) {
	zerolog.SetGlobalLevel(zerolog.Disabled)
	os.Exit(m.Run())
}
