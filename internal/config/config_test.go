package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Engine.Workers)
	assert.Equal(t, time.Second, cfg.Engine.PollInterval)
	assert.Equal(t, 5, cfg.Engine.DefaultPriority)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.IsDev())
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: DEV
auth:
  okta_domain: https://example.okta.com/oauth2/default/
engine:
  workers: 2
  poll_interval: 250ms
db:
  host: db
  port: 5433
  user: u
  password: p
  name: jq
  sslmode: disable
`), 0o600))
	t.Setenv("JOBQUEUE_ENGINE_WORKERS", "7")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, 7, cfg.Engine.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.PollInterval)
	assert.Equal(t, "https://example.okta.com/oauth2/default", cfg.Auth.OktaDomain)
	assert.Equal(t, "postgres://u:p@db:5433/jq?sslmode=disable", cfg.DSN())
}

func TestLoadConfig_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine: [unclosed"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}
