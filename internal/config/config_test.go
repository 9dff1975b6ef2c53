package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPathWritesDefaultsWhenMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1_000_000, cfg.Database.MaxLogEntries)

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config should be written to disk")
}

func TestLoadPathFallsBackToDefaultsOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("not valid toml {{{"), 0o644))

	cfg, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := Default()
	cfg.Server.Port = 9090

	require.NoError(t, SavePath(path, cfg))
	got, err := LoadPath(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, got.Server.Port)
}
