// Package signer produces time-bound HMAC-signed headers for exchange
// requests: a sign-one-thing-return-a-header-tuple method over HMAC-SHA256.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/predictiontrader/sidecar/internal/config"
)

// Headers are the three exchange-auth headers produced by Sign.
type Headers struct {
	KeyID     string
	Timestamp string // milliseconds since epoch, as a decimal string
	Signature string // base64(HMAC-SHA256)
}

// Signer holds the process-private signing secret.
type Signer struct {
	cred config.Credential
	now  func() time.Time // overridable for deterministic tests
}

// New builds a Signer for the given credential.
func New(cred config.Credential) *Signer {
	return &Signer{cred: cred, now: time.Now}
}

// WithClock overrides the wall-clock source (tests only).
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign produces the signed headers for method/path/body:
// signature = base64(HMAC-SHA256(timestamp || METHOD || path || body)).
// path must be the canonical path: a leading slash, no query string.
func (s *Signer) Sign(method, path, body string) (Headers, error) {
	if !strings.HasPrefix(path, "/") {
		return Headers{}, fmt.Errorf("signer: path must be canonical (leading slash, no query): %q", path)
	}

	ts := fmt.Sprintf("%d", s.now().UTC().UnixMilli())
	method = strings.ToUpper(method)

	mac := hmac.New(sha256.New, s.cred.Secret)
	mac.Write([]byte(ts))
	mac.Write([]byte(method))
	mac.Write([]byte(path))
	mac.Write([]byte(body))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Headers{
		KeyID:     s.cred.KeyID,
		Timestamp: ts,
		Signature: sig,
	}, nil
}

const (
	HeaderKeyID     = "KALSHI-ACCESS-KEY"
	HeaderTimestamp = "KALSHI-ACCESS-TIMESTAMP"
	HeaderSignature = "KALSHI-ACCESS-SIGNATURE"
)

// HeaderMap renders Headers as the three wire header names.
func (h Headers) HeaderMap() map[string]string {
	return map[string]string{
		HeaderKeyID:     h.KeyID,
		HeaderTimestamp: h.Timestamp,
		HeaderSignature: h.Signature,
	}
}
