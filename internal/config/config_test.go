package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pyr33x/goqtt/internal/config"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadParsesServerAndAuth(t *testing.T) {
	path := writeConfig(t, `
name: goqtt
version: dev
server:
  port: "1883"
  max_connections: 50
auth:
  mode: sqlite
  path: ./store/store.db
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1883", cfg.Server.Port)
	assert.Equal(t, 50, cfg.Server.MaxConnections)
	assert.Equal(t, "sqlite", cfg.Auth.Mode)
}

func TestLoadDefaultsMaxConnections(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "1883"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
}

func TestQuotaToMQTTFallsBackToDefaults(t *testing.T) {
	q := config.Quota{MaxQueueSizeQoS1: 64}
	out := q.ToMQTT()
	assert.Equal(t, 64, out.MaxQueueSizeQoS1)
	assert.Equal(t, 128, out.MaxQueueSizeQoS0)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
