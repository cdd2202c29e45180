package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snuconnectome/viberank-connectomelab/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "30s", cfg.Server.ReadTimeout)
	assert.Equal(t, "60s", cfg.Server.WriteTimeout)
	assert.Equal(t, "additive", cfg.Reconcile.MergePolicy)
	assert.Equal(t, "lenient", cfg.Reconcile.AnomalyPreset)
	assert.Equal(t, 3, cfg.Reconcile.MaxRetries)
	assert.Equal(t, "2s", cfg.Worker.Interval)
	assert.Equal(t, 5, cfg.Worker.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte(`
storage:
  path: /tmp/test.db
server:
  listen: ":9090"
reconcile:
  merge_policy: overwrite
  anomaly_preset: strict
logging:
  level: debug
`)
	err := os.WriteFile(cfgPath, data, 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, "overwrite", cfg.Reconcile.MergePolicy)
	assert.Equal(t, "strict", cfg.Reconcile.AnomalyPreset)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("VIBERANK_LOGGING_LEVEL", "error")
	t.Setenv("VIBERANK_SERVER_LISTEN", ":7070")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, ":7070", cfg.Server.Listen)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	err := os.WriteFile(cfgPath, []byte("invalid: [yaml"), 0o644)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	assert.Error(t, err)
}
