// Command envreport prints the resolved sidecar configuration as JSON, with
// the signing secret redacted, so an operator can confirm what the sidecar
// would boot with before actually starting it.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/predictiontrader/sidecar/internal/config"
)

type report struct {
	BaseURL                 string  `json:"base_url"`
	WebsocketURL            string  `json:"websocket_url"`
	KeyID                   string  `json:"credential_key_id"`
	TimeoutSeconds          int     `json:"timeout_seconds"`
	RetryMaxAttempts        int     `json:"retry_max_attempts"`
	RetryBackoffSecs        float64 `json:"retry_backoff_secs"`
	RateLimitReadRPS        int     `json:"rate_limit_read_rps"`
	RateLimitWriteRPS       int     `json:"rate_limit_write_rps"`
	RateLimitWaitTimeoutSec float64 `json:"rate_limit_wait_timeout_sec"`
	LedgerPath              string  `json:"ledger_path"`
	HTTPPort                int     `json:"http_port"`
	LocalAuthTokenSet       bool    `json:"local_auth_token_set"`
}

func main() {
	os.Exit(run(os.Stdout, os.Stderr))
}

func run(stdout, stderr *os.File) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "envreport: %v\n", err)
		return 1
	}

	out := report{
		BaseURL:                 cfg.BaseURL,
		WebsocketURL:            cfg.WebsocketURL,
		KeyID:                   cfg.Credential.KeyID,
		TimeoutSeconds:          cfg.TimeoutSeconds,
		RetryMaxAttempts:        cfg.RetryMaxAttempts,
		RetryBackoffSecs:        cfg.RetryBackoffSecs,
		RateLimitReadRPS:        cfg.RateLimitReadRPS,
		RateLimitWriteRPS:       cfg.RateLimitWriteRPS,
		RateLimitWaitTimeoutSec: cfg.RateLimitWaitTimeoutSec,
		LedgerPath:              cfg.LedgerPath,
		HTTPPort:                cfg.HTTPPort,
		LocalAuthTokenSet:       cfg.LocalAuthToken != "",
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "envreport: %v\n", err)
		return 1
	}
	return 0
}
