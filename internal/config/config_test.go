package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMergesPartialOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("memory:\n  max_rss_mb: 8192\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), cfg.Memory.MaxRSSMB)
	assert.Equal(t, Default().Cache, cfg.Cache, "unspecified sections keep their defaults")
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("context:\n  max_tokens: 1000\n"), 0o600))

	changed := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) { changed <- c })
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, 1000, w.Current().Context.MaxTokens)

	require.NoError(t, os.WriteFile(path, []byte("context:\n  max_tokens: 2000\n"), 0o600))

	select {
	case c := <-changed:
		assert.Equal(t, 2000, c.Context.MaxTokens)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	assert.Equal(t, 2000, w.Current().Context.MaxTokens)
}
