package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ordercluster/internal/config"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yml"), []byte(content), 0o644))
}

func TestLoadFromAppliesProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "app:\n  profile: test\n  log-level: info\nnetwork:\n  discovery-port: 37020\n")
	writeYAML(t, dir, "application-test", "network:\n  single-host: true\n")

	cfg, err := config.LoadFrom(dir, dir)
	require.NoError(t, err)
	require.Equal(t, "test", cfg.App.Profile)
	require.True(t, cfg.Network.SingleHost)
	require.Equal(t, 37020, cfg.Network.DiscoveryPort)
}

func TestLoadFromMissingBaseFile(t *testing.T) {
	dir := t.TempDir()
	_, err := config.LoadFrom(dir, dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "application.yml not found")
}

func TestLoadFromMissingProfileFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "app:\n  profile: missing\n")
	_, err := config.LoadFrom(dir, dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "application-missing.yml not found")
}

func TestLoadFromExpandsEnvVarsStrictly(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "app:\n  profile: \"\"\n  log-level: \"${ORDERCLUSTER_TEST_LOG_LEVEL}\"\n")

	_, err := config.LoadFrom(dir, dir)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ORDERCLUSTER_TEST_LOG_LEVEL")

	t.Setenv("ORDERCLUSTER_TEST_LOG_LEVEL", "debug")
	cfg, err := config.LoadFrom(dir, dir)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.App.LogLevel)
}
