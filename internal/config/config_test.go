package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultHasSpecDefaults(t *testing.T) {
	cfg := Default()
	require.Equal(t, 128000, cfg.MaxTokens)
	require.Equal(t, 30, cfg.MaxIterations)
	require.Equal(t, 3, cfg.MaxConsecutiveFailures)
	require.Equal(t, 0.3, cfg.NoiseBandLow)
	require.Equal(t, 0.6, cfg.NoiseBandHigh)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, 128000, cfg.MaxTokens)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"max_iterations": 7}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxIterations)
	require.Equal(t, 128000, cfg.MaxTokens)
}

func TestEnvOverridesNeverCrossProviders(t *testing.T) {
	t.Setenv("LOCAL_DEFAULT_MODEL", "tinyllama")
	t.Setenv("OSA_DEFAULT_PROVIDER", "anthropic")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	// The local-model env var must never leak into the cloud default
	// (spec.md §6).
	require.NotEqual(t, "tinyllama", cfg.DefaultModel)
	require.Equal(t, cfg.Providers.Anthropic.Model, cfg.DefaultModel)
}

func TestOSAHTTPPortOverride(t *testing.T) {
	t.Setenv("OSA_HTTP_PORT", "9999")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.HTTPPort)
}
