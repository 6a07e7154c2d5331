package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, def.MaxConcurrentDownloads, cfg.MaxConcurrentDownloads)
	assert.Equal(t, def.MaxConnectionsPerDownload, cfg.MaxConnectionsPerDownload)
	assert.Equal(t, def.HTTP.MaxRetries, cfg.HTTP.MaxRetries)
	assert.Equal(t, def.Torrent.ListenPortBegin, cfg.Torrent.ListenPortBegin)
	assert.NotContains(t, cfg.DownloadDir, "~")
	assert.NotContains(t, cfg.DatabasePath, "~")
}

func TestLoadOverridesFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetchd.yaml")
	yaml := []byte("max_concurrent_downloads: 9\nhttp:\n  max_retries: 7\n")
	require.NoError(t, os.WriteFile(path, yaml, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.MaxConcurrentDownloads)
	assert.Equal(t, 7, cfg.HTTP.MaxRetries)
	// Unset fields still fall back to defaults.
	assert.Equal(t, Default().MaxPeers, cfg.MaxPeers)
}

func TestLoadWithMissingFilePathFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxConcurrentDownloads, cfg.MaxConcurrentDownloads)
}
