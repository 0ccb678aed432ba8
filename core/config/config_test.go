package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/goa-ai/core/config"
)

func TestLoadOverlaysPartialFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
recovery:
  default_auto_approve_threshold: 0.9
  tenant_overrides:
    acme: 0.95
mongo:
  uri: "mongodb://localhost:27017"
`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 0.9, cfg.Recovery.DefaultAutoApproveThreshold)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, 500*time.Millisecond, cfg.Queue.InitialBackoff, "unset fields keep Default() values")
}

func TestAutoApproveThresholdPrefersTenantOverride(t *testing.T) {
	rc := config.RecoveryConfig{
		DefaultAutoApproveThreshold: 0.8,
		TenantOverrides:             map[string]float64{"acme": 0.95},
	}
	require.Equal(t, 0.95, rc.AutoApproveThreshold("acme"))
	require.Equal(t, 0.8, rc.AutoApproveThreshold("other-tenant"))
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
