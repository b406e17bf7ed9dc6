package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictiontrader/sidecar/internal/ratelimit"
)

func newTestMachine(cfg Config) *Machine {
	limiter := ratelimit.New(ratelimit.Config{ReadRPS: 1000, WriteRPS: 1000, WaitTimeoutSecs: 1})
	m := New(cfg, limiter)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }
	return m
}

func drainUntil(t *testing.T, envs <-chan Envelope, typ EnvelopeType) Envelope {
	t.Helper()
	for e := range envs {
		if e.Type == typ {
			return e
		}
	}
	t.Fatalf("channel closed before emitting %s", typ)
	return Envelope{}
}

func TestStreamCleanDisconnectTerminates(t *testing.T) {
	cfg := Config{
		URL:      "wss://example/market",
		Channels: []string{"orderbook_delta", "trade"},
		Tuning:   Tuning{BaseSeconds: 0.5, MaxSeconds: 1.0, StableConnectSeconds: 5},
	}
	m := newTestMachine(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	connectEnv := drainUntil(t, m.Envelopes(), EnvelopeConnect)
	assert.Equal(t, cfg.URL, connectEnv.URL)

	sub1 := <-m.Envelopes()
	assert.Equal(t, EnvelopeSubscribe, sub1.Type)
	sub2 := <-m.Envelopes()
	assert.Equal(t, EnvelopeSubscribe, sub2.Type)

	await := <-m.Envelopes()
	assert.Equal(t, EnvelopeAwaitDisconnect, await.Type)
	m.Notify(DisconnectNotice{Clean: true})

	_, more := <-m.Envelopes()
	assert.False(t, more) // channel closed, session terminated
}

func TestStreamDegradedThenRecoverMatchesLiteralScenario(t *testing.T) {
	cfg := Config{
		URL:      "wss://example/market",
		Channels: []string{"orderbook_delta", "trade"},
		Tuning: Tuning{
			BaseSeconds: 0.5, MaxSeconds: 1.0, JitterRatio: 0,
			MaxRetryWindowSeconds: 60, StableConnectSeconds: 0, DegradedAfterAttempts: 1,
		},
	}
	m := newTestMachine(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go m.Run(ctx)

	drainUntil(t, m.Envelopes(), EnvelopeConnect)
	<-m.Envelopes() // subscribe orderbook_delta
	<-m.Envelopes() // subscribe trade
	await := <-m.Envelopes()
	require.Equal(t, EnvelopeAwaitDisconnect, await.Type)

	m.Notify(DisconnectNotice{Clean: false, Reason: "connection reset"})

	degraded := <-m.Envelopes()
	assert.Equal(t, EnvelopeHealthState, degraded.Type)
	assert.Equal(t, HealthDegraded, degraded.State)
	assert.Equal(t, "repeated_disconnects", degraded.Reason)
	assert.Equal(t, 1, degraded.Attempt)

	scheduled := <-m.Envelopes()
	assert.Equal(t, EnvelopeReconnectSchedule, scheduled.Type)
	assert.Equal(t, 1, scheduled.Attempt)
	assert.InDelta(t, 0.5, scheduled.BackoffSecs, 1e-9)

	sleepEnv := <-m.Envelopes()
	assert.Equal(t, EnvelopeSleep, sleepEnv.Type)
	assert.InDelta(t, 0.5, sleepEnv.Seconds, 1e-9)

	m.Notify(SleepReply{StableConnect: true})

	healthy := <-m.Envelopes()
	assert.Equal(t, EnvelopeHealthState, healthy.Type)
	assert.Equal(t, HealthHealthy, healthy.State)
	assert.Equal(t, "stable_connection_restored", healthy.Reason)
	assert.Equal(t, 0, healthy.Attempt)

	// loop back to Connecting
	reconnect := drainUntil(t, m.Envelopes(), EnvelopeConnect)
	assert.Equal(t, cfg.URL, reconnect.URL)
}

func TestStreamAuthFailureEmitsSingleEnvelopeAndTerminates(t *testing.T) {
	cfg := Config{
		URL:      "wss://example/market",
		Channels: []string{"orderbook_delta"},
		Tuning:   Tuning{BaseSeconds: 0.5, MaxSeconds: 1.0, StableConnectSeconds: 5},
	}
	m := newTestMachine(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	drainUntil(t, m.Envelopes(), EnvelopeConnect)
	<-m.Envelopes() // subscribe
	await := <-m.Envelopes()
	require.Equal(t, EnvelopeAwaitDisconnect, await.Type)

	m.Notify(DisconnectNotice{StatusCode: 401, Reason: "auth expired"})

	authEnv := <-m.Envelopes()
	assert.Equal(t, EnvelopeHealthState, authEnv.Type)
	assert.Equal(t, HealthDegraded, authEnv.State)
	assert.Equal(t, "auth_failure", authEnv.Reason)
	assert.Equal(t, 1, authEnv.Attempt)

	_, more := <-m.Envelopes()
	assert.False(t, more)
}

func TestUnsupportedChannelsSilentlyDropped(t *testing.T) {
	cfg := Config{
		URL:      "wss://example/market",
		Channels: []string{"orderbook_delta", "unsupported_channel"},
		Tuning:   Tuning{BaseSeconds: 0.5, MaxSeconds: 1.0, StableConnectSeconds: 5},
	}
	m := newTestMachine(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go m.Run(ctx)

	drainUntil(t, m.Envelopes(), EnvelopeConnect)
	sub := <-m.Envelopes()
	assert.Equal(t, "orderbook_delta", sub.Channel)

	await := <-m.Envelopes()
	assert.Equal(t, EnvelopeAwaitDisconnect, await.Type) // no second subscribe envelope
}

func TestIsAuthFailureDetectsReasonSubstrings(t *testing.T) {
	assert.True(t, isAuthFailure(DisconnectNotice{Reason: "credential expired"}))
	assert.True(t, isAuthFailure(DisconnectNotice{Reason: "token revoked"}))
	assert.True(t, isAuthFailure(DisconnectNotice{StatusCode: 403}))
	assert.False(t, isAuthFailure(DisconnectNotice{Reason: "connection reset"}))
}
