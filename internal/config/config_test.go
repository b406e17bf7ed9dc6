package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRequiresCredential(t *testing.T) {
	t.Setenv("KALSHI_API_KEY_ID", "")
	t.Setenv("KALSHI_API_KEY_SECRET", "")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("KALSHI_API_KEY_ID", "key-1")
	t.Setenv("KALSHI_API_KEY_SECRET", "shh")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://trading-api.kalshi.com", cfg.BaseURL)
	assert.Equal(t, 10, cfg.TimeoutSeconds)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.Equal(t, 10, cfg.RateLimitReadRPS)
	assert.Equal(t, 3, cfg.Stream.DegradedAfterAttempts)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("KALSHI_API_KEY_ID", "key-1")
	t.Setenv("KALSHI_API_KEY_SECRET", "shh")
	t.Setenv("KALSHI_TIMEOUT_SECONDS", "30")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.TimeoutSeconds)
}

func TestStreamTuningFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tuning.yaml")
	require.NoError(t, os.WriteFile(path, []byte("base_seconds: 2.5\ndegraded_after_attempts: 1\n"), 0o600))

	base := StreamTuning{BaseSeconds: 1, MaxSeconds: 30, JitterRatio: 0.2, DegradedAfterAttempts: 3}
	out, err := LoadStreamTuningFile(path, base)
	require.NoError(t, err)

	assert.Equal(t, 2.5, out.BaseSeconds)
	assert.Equal(t, 1, out.DegradedAfterAttempts)
	assert.Equal(t, 30.0, out.MaxSeconds) // untouched field preserved
}

func TestStreamTuningFileMissingPathReturnsBase(t *testing.T) {
	base := StreamTuning{BaseSeconds: 1}
	out, err := LoadStreamTuningFile("", base)
	require.NoError(t, err)
	assert.Equal(t, base, out)
}
