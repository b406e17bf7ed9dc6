package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// streamTuningFile mirrors StreamTuning with YAML tags so an operator can
// override the reconnect knobs from a file instead of individual env vars.
// so only the knobs present in the file override the base configuration.
type streamTuningFile struct {
	BaseSeconds           *float64 `yaml:"base_seconds"`
	MaxSeconds            *float64 `yaml:"max_seconds"`
	JitterRatio           *float64 `yaml:"jitter_ratio"`
	MaxRetryWindowSeconds *float64 `yaml:"max_retry_window_seconds"`
	StableConnectSeconds  *float64 `yaml:"stable_connect_seconds"`
	DegradedAfterAttempts *int     `yaml:"degraded_after_attempts"`
}

// LoadStreamTuningFile overlays YAML-file values onto an existing
// StreamTuning, leaving fields the file doesn't mention untouched. Returns
// the input unchanged if path is empty or the file does not exist.
func LoadStreamTuningFile(path string, base StreamTuning) (StreamTuning, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return base, nil
	}
	if err != nil {
		return base, fmt.Errorf("config: reading stream tuning file: %w", err)
	}

	var file streamTuningFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return base, fmt.Errorf("config: parsing stream tuning file: %w", err)
	}

	out := base
	if file.BaseSeconds != nil {
		out.BaseSeconds = *file.BaseSeconds
	}
	if file.MaxSeconds != nil {
		out.MaxSeconds = *file.MaxSeconds
	}
	if file.JitterRatio != nil {
		out.JitterRatio = *file.JitterRatio
	}
	if file.MaxRetryWindowSeconds != nil {
		out.MaxRetryWindowSeconds = *file.MaxRetryWindowSeconds
	}
	if file.StableConnectSeconds != nil {
		out.StableConnectSeconds = *file.StableConnectSeconds
	}
	if file.DegradedAfterAttempts != nil {
		out.DegradedAfterAttempts = *file.DegradedAfterAttempts
	}
	return out, nil
}
