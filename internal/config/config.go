// Package config loads sidecar configuration from environment variables,
// applying defaults for everything except the signing credential.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

// Credential holds the exchange signing secret. Secret is redacted by
// LogValue so it is never written to structured logs even if a Credential
// ends up in a log field by mistake.
type Credential struct {
	KeyID  string
	Secret []byte
}

// Config is the resolved sidecar configuration.
type Config struct {
	BaseURL      string
	WebsocketURL string
	Credential   Credential

	TimeoutSeconds int

	RetryMaxAttempts   int
	RetryBackoffSecs   float64

	RateLimitReadRPS        int
	RateLimitWriteRPS       int
	RateLimitWaitTimeoutSec float64

	Stream StreamTuning

	LedgerPath          string
	LedgerLockRetryLimit int
	LedgerBackoffCapSecs float64

	FanoutMaxQueueSize      int
	FanoutHeartbeatInterval float64
	FanoutStaleTimeoutSecs  float64

	LogLevel string

	LocalAuthToken string

	HTTPPort int
}

// StreamTuning holds the market-data stream reconnect knobs.
type StreamTuning struct {
	BaseSeconds            float64
	MaxSeconds             float64
	JitterRatio            float64
	MaxRetryWindowSeconds  float64
	StableConnectSeconds   float64
	DegradedAfterAttempts  int
}

// Load reads KALSHI_* (and a handful of sidecar-local) environment
// variables, applying defaults for anything unset.
func Load() (*Config, error) {
	keyID := os.Getenv("KALSHI_API_KEY_ID")
	secret := os.Getenv("KALSHI_API_KEY_SECRET")
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("config: KALSHI_API_KEY_ID and KALSHI_API_KEY_SECRET are required")
	}

	cfg := &Config{
		BaseURL:      envOr("KALSHI_BASE_URL", "https://trading-api.kalshi.com"),
		WebsocketURL: envOr("KALSHI_WEBSOCKET_URL", "wss://trading-api.kalshi.com/trade-api/ws/v2"),
		Credential:   Credential{KeyID: keyID, Secret: []byte(secret)},

		TimeoutSeconds: envOrInt("KALSHI_TIMEOUT_SECONDS", 10),

		RetryMaxAttempts: envOrInt("KALSHI_RETRY_MAX_ATTEMPTS", 3),
		RetryBackoffSecs: envOrFloat("KALSHI_RETRY_BACKOFF_SECONDS", 0.5),

		RateLimitReadRPS:        envOrInt("KALSHI_RATE_LIMIT_READ_RPS", 10),
		RateLimitWriteRPS:       envOrInt("KALSHI_RATE_LIMIT_WRITE_RPS", 5),
		RateLimitWaitTimeoutSec: envOrFloat("KALSHI_RATE_LIMIT_WAIT_TIMEOUT_SECONDS", 5.0),

		Stream: StreamTuning{
			BaseSeconds:           envOrFloat("KALSHI_STREAM_BACKOFF_BASE_SECONDS", 1.0),
			MaxSeconds:            envOrFloat("KALSHI_STREAM_BACKOFF_MAX_SECONDS", 30.0),
			JitterRatio:           envOrFloat("KALSHI_STREAM_JITTER_RATIO", 0.2),
			MaxRetryWindowSeconds: envOrFloat("KALSHI_STREAM_MAX_RETRY_WINDOW_SECONDS", 300.0),
			StableConnectSeconds:  envOrFloat("KALSHI_STREAM_STABLE_CONNECT_SECONDS", 60.0),
			DegradedAfterAttempts: envOrInt("KALSHI_STREAM_DEGRADED_AFTER_ATTEMPTS", 3),
		},

		LedgerPath:           envOr("SIDECAR_LEDGER_PATH", "./sidecar.db"),
		LedgerLockRetryLimit: envOrInt("SIDECAR_LEDGER_LOCK_RETRY_LIMIT", 5),
		LedgerBackoffCapSecs: envOrFloat("SIDECAR_LEDGER_BACKOFF_CAP_SECONDS", 2.0),

		FanoutMaxQueueSize:      envOrInt("SIDECAR_FANOUT_MAX_QUEUE_SIZE", 256),
		FanoutHeartbeatInterval: envOrFloat("SIDECAR_FANOUT_HEARTBEAT_INTERVAL_SECONDS", 15.0),
		FanoutStaleTimeoutSecs:  envOrFloat("SIDECAR_FANOUT_STALE_TIMEOUT_SECONDS", 60.0),

		LogLevel: envOr("LOG_LEVEL", "INFO"),

		LocalAuthToken: os.Getenv("SIDECAR_LOCAL_AUTH_TOKEN"),

		HTTPPort: envOrInt("SIDECAR_HTTP_PORT", 8787),
	}

	return cfg, nil
}

// LogValue implements slog.LogValuer, redacting the signing secret so a
// Credential logged by mistake never leaks bytes.
func (c Credential) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("key_id", c.KeyID),
		slog.String("secret", "<redacted>"),
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
