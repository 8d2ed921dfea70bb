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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "least_loaded", cfg.Routing.Strategy)
	assert.Equal(t, 30*time.Second, cfg.Routing.HealthCheckInterval)
	assert.Equal(t, 0.001, cfg.Reconciliation.TolerancePrice)
	assert.Equal(t, 24*time.Hour, cfg.Reconciliation.MaxRecordAge)
	assert.Equal(t, "data/events.jsonl", cfg.Journal.Path)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
server:
  port: 9090
routing:
  strategy: priority_based
venues:
  - name: sim-primary
    kind: sim
    priority: 5
    max_concurrent: 50
    capabilities: [forex, limit_orders]
  - name: xm-live
    kind: xm
    base_url: https://mt5-bridge.example.com
    priority: 9
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "priority_based", cfg.Routing.Strategy)
	require.Len(t, cfg.Venues, 2)
	assert.Equal(t, "sim-primary", cfg.Venues[0].Name)
	assert.Equal(t, 50, cfg.Venues[0].MaxConcurrent)
	assert.Equal(t, []string{"forex", "limit_orders"}, cfg.Venues[0].Capabilities)
	assert.Equal(t, "xm", cfg.Venues[1].Kind)
}

func TestLoadRejectsInvalidVenue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
venues:
  - name: broken
    kind: fix
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown kind")
}

func TestLoadRejectsXMWithoutBaseURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
venues:
  - name: xm-live
    kind: xm
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url")
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("EXODUS_SERVER_PORT", "7070")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}
