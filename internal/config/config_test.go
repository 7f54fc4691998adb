package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults().RDMABufSize, cfg.RDMABufSize)
	require.Equal(t, Defaults().WqeDepth, cfg.WqeDepth)
}

func TestLoadConfigFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rdma_buf_size: 4096\nnum_pairs: 7\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4096, cfg.RDMABufSize)
	require.Equal(t, 7, cfg.NumPairs)
	require.Equal(t, Defaults().LogLevel, cfg.LogLevel)
}

func TestLoadEnvOverridesConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rdma_buf_size: 4096\n"), 0644))

	t.Setenv("NETLEV_RDMA_BUF_SIZE", "8192")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8192, cfg.RDMABufSize)
}

func TestLoadMissingConfigFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
