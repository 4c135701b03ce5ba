package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ksred/darkpool-api/internal/auth"
	"github.com/ksred/darkpool-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
env: production
server:
  port: 9090
database:
  dsn: ":memory:"
auth:
  jwt_secret: from-file
  clients:
    - api_key: mpc
      api_secret: s3cret
      role: cluster
cluster:
  mode: http
  url: http://cluster:7000
  callback_url: http://core:9090/api/v1/internal/computations/callback
  attestation_secret: attest
  computation_timeout: 2m
processor:
  interval: 5s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, ":memory:", cfg.Database.DSN)
	assert.Equal(t, "from-file", cfg.Auth.JWTSecret)
	require.Len(t, cfg.Auth.Clients, 1)
	assert.Equal(t, auth.RoleCluster, cfg.Auth.Clients[0].Role)
	assert.Equal(t, 2*time.Minute, cfg.Cluster.ComputationTimeout)
	assert.Equal(t, 5*time.Second, cfg.Processor.Interval)
	assert.True(t, cfg.IsProduction())

	// untouched sections keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, float64(100), cfg.RateLimit.Betting)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DARKPOOL_JWT_SECRET", "from-env")
	t.Setenv("DARKPOOL_SERVER_PORT", "7070")
	t.Setenv("DARKPOOL_COMPUTATION_TIMEOUT", "90s")
	t.Setenv("DARKPOOL_DEBUG", "true")

	cfg, err := config.Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 90*time.Second, cfg.Cluster.ComputationTimeout)
	assert.True(t, cfg.Debug)
}

func TestLoad_NoFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.ClusterLocal, cfg.Cluster.Mode)
	assert.Error(t, cfg.Validate())

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Defaults()
	cfg.Auth.JWTSecret = "x"
	cfg.Cluster.AttestationSecret = "y"
	require.NoError(t, cfg.Validate())

	cfg.Cluster.Mode = config.ClusterHTTP
	assert.Error(t, cfg.Validate())

	cfg.Cluster.Mode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())
}
