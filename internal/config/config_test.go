package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruthy(t *testing.T) {
	for _, v := range []string{"1", "true", "YES", "on", "y", " True "} {
		assert.True(t, Truthy(v), "expected %q to be truthy", v)
	}
	for _, v := range []string{"", "0", "false", "no", "off", "2", "enabled"} {
		assert.False(t, Truthy(v), "expected %q to be falsy", v)
	}
}

func TestEnvPrefersKaitPrefix(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "plain")
	t.Setenv("KAIT_OLLAMA_HOST", "prefixed")
	assert.Equal(t, "prefixed", Env("OLLAMA_HOST", "fallback"))

	os.Unsetenv("KAIT_OLLAMA_HOST")
	assert.Equal(t, "plain", Env("OLLAMA_HOST", "fallback"))

	os.Unsetenv("OLLAMA_HOST")
	assert.Equal(t, "fallback", Env("OLLAMA_HOST", "fallback"))
}

func TestEnvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("KAIT_KAITD_PORT", "not-a-port")
	assert.Equal(t, DefaultKaitdPort, KaitdPort())

	t.Setenv("KAIT_KAITD_PORT", "9999")
	assert.Equal(t, 9999, KaitdPort())
}

func TestStateDirOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAIT_HOME", dir)
	assert.Equal(t, dir, StateDir())
	assert.Equal(t, filepath.Join(dir, "sidekick.db"), BankPath())
	assert.Equal(t, filepath.Join(dir, "pids", "kaitd.lock"), PIDLockPath("kaitd"))
	assert.Equal(t, filepath.Join(dir, "pulse_heartbeat.json"), HeartbeatPath("pulse"))
}

func TestEnsureStateDirCreatesTree(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAIT_HOME", filepath.Join(dir, "state"))

	got, err := EnsureStateDir()
	require.NoError(t, err)
	for _, sub := range []string{"pids", "logs", "mind"} {
		info, err := os.Stat(filepath.Join(got, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestIngestTokenResolutionOrder(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAIT_HOME", dir)
	require.NoError(t, os.WriteFile(IngestTokenPath(), []byte("file-token\n"), 0o600))

	assert.Equal(t, "explicit", IngestToken("explicit"))

	t.Setenv("KAITD_TOKEN", "env-token")
	assert.Equal(t, "env-token", IngestToken(""))

	os.Unsetenv("KAITD_TOKEN")
	assert.Equal(t, "file-token", IngestToken(""))
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("KAIT_HOME", t.TempDir())
	t.Setenv("KAIT_CB_FAILURE_THRESHOLD", "7")
	t.Setenv("KAIT_CB_RECOVERY_TIMEOUT_S", "120")
	t.Setenv("KAIT_ROUTER_ENABLED", "yes")
	t.Setenv("KAIT_ROUTER_STRONG", "openai")
	t.Setenv("KAIT_LITELLM_ENABLED", "1")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 120*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.True(t, cfg.Router.Enabled)
	assert.Equal(t, "openai", cfg.Router.Strong)
	assert.True(t, cfg.LiteLLM.Enabled)
	assert.Equal(t, "sk-test", cfg.Claude.APIKey)
	// Untouched values keep their defaults.
	assert.Equal(t, "claude-sonnet-4-20250514", cfg.Claude.Model)
	assert.InDelta(t, DefaultRouterThreshold, cfg.Router.Threshold, 1e-9)
}

func TestPluginOnlySentinel(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KAIT_HOME", dir)
	assert.False(t, PluginOnly())

	require.NoError(t, os.WriteFile(PluginOnlySentinelPath(), nil, 0o644))
	assert.True(t, PluginOnly())

	require.NoError(t, os.Remove(PluginOnlySentinelPath()))
	t.Setenv("KAIT_PLUGIN_ONLY", "1")
	assert.True(t, PluginOnly())
}

func TestBaseURLHonoursOllaProxy(t *testing.T) {
	c := OllamaConfig{Host: "localhost", Port: 11434, OllaHost: "localhost", OllaPort: 11435}
	assert.Equal(t, "http://localhost:11434", c.BaseURL())
	c.OllaEnabled = true
	assert.Equal(t, "http://localhost:11435", c.BaseURL())
}
