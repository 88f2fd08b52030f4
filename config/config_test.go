package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaultsWhenNoFileOrEnv(t *testing.T) {
	cfg, err := FromEnv("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestFromEnvLayersTomlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cxdb.toml")
	contents := "data_dir = \"/tmp/custom-data\"\nbind_addr = \":9000\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := FromEnv(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/custom-data", cfg.DataDir)
	require.Equal(t, ":9000", cfg.BindAddr)
	// fields absent from the file keep their defaults.
	require.Equal(t, Default().HTTPBindAddr, cfg.HTTPBindAddr)
}

func TestFromEnvEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cxdb.toml")
	require.NoError(t, os.WriteFile(path, []byte("bind_addr = \":9000\"\n"), 0644))

	t.Setenv("CXDB_BIND_ADDR", ":9999")
	t.Setenv("CXDB_MAX_SEEN_PER_CONTEXT", "4096")
	t.Setenv("CXDB_SSE_HEARTBEAT_INTERVAL", "30s")

	cfg, err := FromEnv(path)
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.BindAddr)
	require.Equal(t, 4096, cfg.MaxSeenPerContext)
	require.Equal(t, 30*time.Second, cfg.SSEHeartbeatInterval)
}

func TestResolvedRegistryDir(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/var/cxdb"
	require.Equal(t, filepath.Join("/var/cxdb", "registry"), cfg.ResolvedRegistryDir())

	cfg.RegistryDir = "/custom/registry"
	require.Equal(t, "/custom/registry", cfg.ResolvedRegistryDir())
}

func TestDiscoverConfigFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".cxdb.toml"), []byte(""), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cxdb.toml"), []byte(""), 0644))

	chosen, all := DiscoverConfigFile(dir)
	require.Equal(t, filepath.Join(dir, "cxdb.toml"), chosen)
	require.Len(t, all, 2)
}
