package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigild/vigil/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Monitoring.CheckIntervalSeconds)
	assert.Equal(t, 10, cfg.Monitoring.TimeoutSeconds)
	assert.Equal(t, 5, cfg.Monitoring.BatchSize)
	assert.Equal(t, 3, cfg.Alerts.ConsecutiveFailuresThreshold)
	assert.Equal(t, 2, cfg.Alerts.RecoveryThreshold)
	assert.EqualValues(t, 2000, cfg.Alerts.HighLatencyThresholdMs)
	assert.Empty(t, cfg.Services)
}

func TestLoadPartialFileFillsDefaults(t *testing.T) {
	path := writeConfig(t, `
monitoring:
  checkIntervalSeconds: 5
services:
  - id: api
    name: API
    healthEndpoint: http://localhost:8080/health
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Monitoring.CheckIntervalSeconds)
	assert.Equal(t, 10, cfg.Monitoring.TimeoutSeconds)
	require.Len(t, cfg.Services, 1)
	assert.Equal(t, types.ServiceTypeCustom, cfg.Services[0].Type)
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "monitoring: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	path := writeConfig(t, `
services:
  - id: api
    name: A
    healthEndpoint: http://localhost:1/health
  - id: api
    name: B
    healthEndpoint: http://localhost:2/health
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service id")
}

func TestValidateRejectsUppercaseID(t *testing.T) {
	path := writeConfig(t, `
services:
  - id: API
    name: A
    healthEndpoint: http://localhost:1/health
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lowercase")
}

func TestValidateRejectsBadEndpoint(t *testing.T) {
	path := writeConfig(t, `
services:
  - id: api
    name: A
    healthEndpoint: "not a url"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "healthEndpoint")
}

func TestValidateRejectsNonPositiveInterval(t *testing.T) {
	cfg := Default()
	cfg.Monitoring.CheckIntervalSeconds = -1
	assert.Error(t, cfg.Validate())
}

func TestEnvFromOS(t *testing.T) {
	t.Setenv("VIGIL_JWT_ALLOWED_ROLES", "Admin, deployer ,")
	t.Setenv("VIGIL_DATA_DIR", "/tmp/vigil-test")
	t.Setenv("VIGIL_TLS_STRICT", "true")

	env := EnvFromOS()
	assert.Equal(t, []string{"Admin", "deployer"}, env.AllowedRoles)
	assert.Equal(t, "/tmp/vigil-test", env.DataDir)
	assert.True(t, env.TLSStrict)
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("VIGIL_JWT_ALLOWED_ROLES", "")
	t.Setenv("VIGIL_DATA_DIR", "")

	env := EnvFromOS()
	assert.Equal(t, []string{"admin", "orchestrate"}, env.AllowedRoles)
	assert.Equal(t, "./vigil-data", env.DataDir)
}
