package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Storage.Backend)
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "postgres"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresPathForSQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = ""
	assert.Error(t, cfg.Validate())

	cfg.Storage.Path = "/tmp/pipeline.db"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadTimeoutDuration(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Job.DefaultTimeout = "not-a-duration"
	assert.Error(t, cfg.Validate())
}

func TestLoad_ParsesYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  address: ":9090"
storage:
  backend: sqlite
  path: /var/lib/buildos/pipeline.db
job:
  default_timeout: 30m
  seed_repos_env: SERVE
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/buildos/pipeline.db", cfg.Storage.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
