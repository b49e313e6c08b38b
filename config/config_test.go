package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "llmos.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "standard", cfg.Profile)
	assert.Equal(t, "file", cfg.State.Backend)
	assert.Equal(t, 30*time.Second, cfg.Triggers.QueueTimeout)
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `
profile: readonly
strict_templates: true
state:
  backend: mongo
  uri: mongodb://localhost:27017
  database: llmos
triggers:
  backend: redis
  addr: localhost:6379
limits:
  calls_per_minute: 30
  per_action:
    os_exec.run_command: 5
  module_concurrency:
    default: 4
    os_exec: 1
verifier:
  provider: anthropic
  model: claude-sonnet-4-5
  strict: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "readonly", cfg.Profile)
	assert.True(t, cfg.StrictTemplates)
	assert.Equal(t, "mongo", cfg.State.Backend)
	assert.Equal(t, "llmos", cfg.State.Database)
	assert.Equal(t, "redis", cfg.Triggers.Backend)
	assert.Equal(t, 30, cfg.Limits.CallsPerMinute)
	assert.Equal(t, 5, cfg.Limits.PerAction["os_exec.run_command"])
	assert.Equal(t, 4, cfg.Limits.ModuleConcurrency["default"])
	assert.Equal(t, 1, cfg.Limits.ModuleConcurrency["os_exec"])
	assert.Equal(t, "anthropic", cfg.Verifier.Provider)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "profile: standard\n")
	t.Setenv("LLMOS_PROFILE", "unrestricted")
	t.Setenv("LLMOS_CALLS_PER_MINUTE", "15")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "unrestricted", cfg.Profile)
	assert.Equal(t, 15, cfg.Limits.CallsPerMinute)
}

func TestValidateRejectsIncompleteBackends(t *testing.T) {
	_, err := Load(writeConfig(t, "state:\n  backend: mongo\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "triggers:\n  backend: redis\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "verifier:\n  provider: anthropic\n"))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "state:\n  backend: etcd\n"))
	require.Error(t, err)
}
