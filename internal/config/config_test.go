package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `{"output": "./out", "metric": "stats", "title": "run-1", "verbose": true}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./out", cfg.Output)
	assert.Equal(t, "stats", cfg.Metric)
	assert.Equal(t, "run-1", cfg.Title)
	assert.True(t, cfg.Verbose)
	assert.False(t, cfg.Quiet)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeConfig(t, `{"output": "./out", "bogus": 1}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsInvalidMetric(t *testing.T) {
	path := writeConfig(t, `{"metric": "median"}`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Error(t, err)
}
