package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LAB_DATA_DIR", dir)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "lab.db"), cfg.DBPath)
	assert.Equal(t, 10, cfg.Loop.MaxIterations)
	assert.Equal(t, time.Second, cfg.Loop.IterationDelay)
	assert.Equal(t, 30*time.Second, cfg.Loop.ExecTimeout)
	assert.Equal(t, 10*time.Second, cfg.Loop.StartTimeout)
	assert.Equal(t, 3, cfg.Gateway.MaxAttempts)
	assert.Equal(t, "starlark", cfg.Sandbox.Language)
	assert.Equal(t, 16<<10, cfg.Loop.MaxOutputBytes)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LAB_DATA_DIR", dir)
	t.Setenv("LAB_MAX_ITERATIONS", "4")
	t.Setenv("LAB_SMTP_USE_TLS", "false")

	path := filepath.Join(dir, "custom.yaml")
	content := `
loop:
  max_iterations: 7
  execution_timeout: 5s
sandbox:
  language: lua
notify:
  recipient: ops@example.com
  smtp:
    host: smtp.example.com
    username: bot
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Loop.MaxIterations, "env overrides file")
	assert.Equal(t, 5*time.Second, cfg.Loop.ExecTimeout)
	assert.Equal(t, "lua", cfg.Sandbox.Language)
	assert.Equal(t, "ops@example.com", cfg.Notify.Recipient)
	assert.True(t, cfg.Notify.SMTP.Enabled())
	assert.False(t, cfg.Notify.SMTP.UseTLS)
	assert.Equal(t, 587, cfg.Notify.SMTP.Port)
}

func TestLoadRejectsMalformedEnv(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"LAB_MAX_ITERATIONS", "abc"},
		{"LAB_MAX_OUTPUT_BYTES", "16k"},
		{"LAB_EXECUTION_TIMEOUT", "30"},
		{"LAB_SMTP_PORT", "smtp"},
		{"LAB_SMTP_USE_TLS", "yes please"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv("LAB_DATA_DIR", t.TempDir())
			t.Setenv(tt.key, tt.value)

			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}

func TestLoadEnvOutputLimit(t *testing.T) {
	t.Setenv("LAB_DATA_DIR", t.TempDir())
	t.Setenv("LAB_MAX_OUTPUT_BYTES", "4096")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4096, cfg.Loop.MaxOutputBytes)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	t.Setenv("LAB_DATA_DIR", t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default(t.TempDir())
	require.NoError(t, cfg.Validate())

	cfg.Sandbox.Language = "python3"
	require.Error(t, cfg.Validate())

	cfg = Default(t.TempDir())
	cfg.Loop.MaxIterations = 0
	require.Error(t, cfg.Validate())
}

func TestEnsureDataDir(t *testing.T) {
	cfg := Default(filepath.Join(t.TempDir(), "data"))
	require.NoError(t, cfg.EnsureDataDir())

	info, err := os.Stat(cfg.ExperimentsDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
