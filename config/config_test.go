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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, ":80", cfg.ProxyAddr)
	assert.Equal(t, time.Hour, cfg.StageTimeout())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":9000"
topology_path: /etc/caravel/topology.yaml
repo_url: https://github.com/acme/shop.git
stage_timeout: 15m
deploy:
  host: deploy.example.com:22
  user: caravel
  key_path: /etc/caravel/id_ed25519
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 15*time.Minute, cfg.StageTimeout())
	require.NoError(t, cfg.ValidateServe())
}

func TestEnvWinsOverFile(t *testing.T) {
	path := writeConfig(t, "listen_addr: \":9000\"\n")
	t.Setenv("CARAVEL_LISTEN_ADDR", ":7070")
	t.Setenv("CARAVEL_STAGE_TIMEOUT", "5m")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.StageTimeout())
}

func TestValidateServeRequiresDeployTarget(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.TopologyPath = "topology.yaml"
	cfg.RepoURL = "https://github.com/acme/shop.git"

	err = cfg.ValidateServe()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deploy.host")
}

func TestLoadRejectsNonPositiveTimeout(t *testing.T) {
	path := writeConfig(t, "stage_timeout: -1s\n")
	_, err := Load(path)
	require.Error(t, err)
}
