// Package stream implements the market-data stream as a state machine that
// produces control envelopes for an external socket driver to act on and
// consumes the driver's replies, instead of the generator-with-send
// control flow a cooperative single-thread runtime would use: two channels,
// one dedicated goroutine running the state machine between them.
package stream

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/predictiontrader/sidecar/internal/ratelimit"
)

// EnvelopeType names the kind of control envelope emitted to the driver.
type EnvelopeType string

const (
	EnvelopeConnect           EnvelopeType = "connect"
	EnvelopeSubscribe         EnvelopeType = "subscribe"
	EnvelopeAwaitDisconnect   EnvelopeType = "await_disconnect"
	EnvelopeHealthState       EnvelopeType = "health_state"
	EnvelopeReconnectSchedule EnvelopeType = "reconnect_scheduled"
	EnvelopeSleep             EnvelopeType = "sleep"
)

// HealthState is the coarse stream health reported to observers.
type HealthState string

const (
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
)

// Envelope is one control message emitted by the state machine.
type Envelope struct {
	Type          EnvelopeType
	URL           string
	Headers       map[string]string
	Channel       string
	Handler       string
	Resubscribe   bool
	State         HealthState
	Reason        string
	Attempt       int
	BackoffSecs   float64
	Seconds       float64
	CloseType     string
}

// DisconnectNotice is the driver's reply to an await_disconnect envelope.
type DisconnectNotice struct {
	Clean      bool
	StatusCode int
	Reason     string
}

// SleepReply is the driver's reply to a sleep envelope.
type SleepReply struct {
	StableConnect bool
}

// supportedChannels is the fixed set of channels this stream can subscribe to.
var supportedChannels = map[string]bool{
	"orderbook_delta": true,
	"trade":           true,
}

// Tuning holds the reconnect/backoff/degradation knobs.
type Tuning struct {
	BaseSeconds           float64
	MaxSeconds            float64
	JitterRatio           float64
	MaxRetryWindowSeconds float64
	StableConnectSeconds  float64
	DegradedAfterAttempts int
}

// Config configures one stream session driver.
type Config struct {
	URL      string
	Headers  map[string]string
	Channels []string
	Tuning   Tuning
}

// Machine runs the reconnect/backoff/degradation state machine over a pair
// of channels: Envelopes() carries control messages out to the driver,
// Notify() carries the driver's replies back in.
type Machine struct {
	cfg     Config
	limiter *ratelimit.Limiter
	out     chan Envelope
	in      chan interface{}
	now     func() time.Time
	rng     *rand.Rand
}

// New builds a Machine. Call Run in its own goroutine, then drive it by
// reading Envelopes() and writing replies to Notify() in lockstep.
func New(cfg Config, limiter *ratelimit.Limiter) *Machine {
	return &Machine{
		cfg:     cfg,
		limiter: limiter,
		out:     make(chan Envelope, 1),
		in:      make(chan interface{}),
		now:     time.Now,
		rng:     rand.New(rand.NewSource(1)),
	}
}

// Envelopes is the channel of outbound control messages.
func (m *Machine) Envelopes() <-chan Envelope { return m.out }

// Notify delivers the driver's reply to the most recently emitted envelope
// that expects one (await_disconnect -> DisconnectNotice, sleep -> SleepReply).
func (m *Machine) Notify(v interface{}) {
	m.in <- v
}

func (m *Machine) emit(ctx context.Context, e Envelope) bool {
	select {
	case m.out <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Machine) recv(ctx context.Context) (interface{}, bool) {
	select {
	case v := <-m.in:
		return v, true
	case <-ctx.Done():
		return nil, false
	}
}

// Run drives the session to completion: Connecting -> Subscribing ->
// Connected -> Classification -> terminate, or loop back to Connecting on a
// transient disconnect, until ctx is cancelled or the retry window expires.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.out)

	var (
		attempt             int
		consecutiveFailures int
		retryWindowStarted  time.Time
		degraded            bool
	)

	for {
		// Connecting
		if err := m.limiter.AcquireContext(ctx, ratelimit.BucketRead); err != nil {
			return
		}
		if !m.emit(ctx, Envelope{Type: EnvelopeConnect, URL: m.cfg.URL, Headers: m.cfg.Headers}) {
			return
		}

		// Subscribing
		for _, ch := range m.cfg.Channels {
			if !supportedChannels[ch] {
				continue // unsupported channels are silently dropped
			}
			if err := m.limiter.AcquireContext(ctx, ratelimit.BucketWrite); err != nil {
				return
			}
			if !m.emit(ctx, Envelope{
				Type:        EnvelopeSubscribe,
				Channel:     ch,
				URL:         m.cfg.URL,
				Headers:     m.cfg.Headers,
				Handler:     ch,
				Resubscribe: true,
			}) {
				return
			}
		}

		// Connected
		connectedAt := m.now()
		if !m.emit(ctx, Envelope{Type: EnvelopeAwaitDisconnect}) {
			return
		}
		v, ok := m.recv(ctx)
		if !ok {
			return
		}
		notice, _ := v.(DisconnectNotice)

		// Classification
		if notice.Clean {
			return // CLEAN -> terminate
		}
		if isAuthFailure(notice) {
			attempt++
			m.emit(ctx, Envelope{
				Type: EnvelopeHealthState, State: HealthDegraded,
				Reason: "auth_failure", Attempt: attempt,
			})
			return
		}

		// TRANSIENT. The connection counts as stable only when its uptime
		// strictly exceeds StableConnectSeconds; with a zero window any
		// positive uptime resets the counters. An explicit stable_connect
		// reply after a sleep also resets them.
		uptime := m.now().Sub(connectedAt).Seconds()
		if uptime > m.cfg.Tuning.StableConnectSeconds {
			consecutiveFailures = 0
			retryWindowStarted = time.Time{}
		} else {
			consecutiveFailures++
			if retryWindowStarted.IsZero() {
				retryWindowStarted = m.now()
			}
		}

		if !retryWindowStarted.IsZero() &&
			m.now().Sub(retryWindowStarted).Seconds() > m.cfg.Tuning.MaxRetryWindowSeconds {
			m.emit(ctx, Envelope{
				Type: EnvelopeHealthState, State: HealthDegraded,
				Reason: "max_retry_window_reached", Attempt: attempt,
			})
			return
		}

		if consecutiveFailures >= m.cfg.Tuning.DegradedAfterAttempts && !degraded {
			degraded = true
			attempt++
			if !m.emit(ctx, Envelope{
				Type: EnvelopeHealthState, State: HealthDegraded,
				Reason: "repeated_disconnects", Attempt: attempt,
			}) {
				return
			}
		} else {
			attempt++
		}

		backoff := m.computeBackoff(attempt)
		closeType := "transient"
		if !m.emit(ctx, Envelope{
			Type: EnvelopeReconnectSchedule, Attempt: attempt,
			BackoffSecs: backoff, CloseType: closeType,
		}) {
			return
		}
		if !m.emit(ctx, Envelope{Type: EnvelopeSleep, Seconds: backoff}) {
			return
		}

		v, ok = m.recv(ctx)
		if !ok {
			return
		}
		sleepReply, _ := v.(SleepReply)
		if sleepReply.StableConnect {
			consecutiveFailures = 0
			retryWindowStarted = time.Time{}
			attempt = 0
			if degraded {
				degraded = false
				if !m.emit(ctx, Envelope{
					Type: EnvelopeHealthState, State: HealthHealthy,
					Reason: "stable_connection_restored", Attempt: 0,
				}) {
					return
				}
			}
		}
		// loop back to Connecting
	}
}

func isAuthFailure(n DisconnectNotice) bool {
	if n.StatusCode == 401 || n.StatusCode == 403 {
		return true
	}
	reason := strings.ToLower(n.Reason)
	return strings.Contains(reason, "auth") || strings.Contains(reason, "credential") || strings.Contains(reason, "token")
}

// computeBackoff applies exponential backoff with a cap and symmetric
// jitter: b = min(base * 2^(attempt-1), max) +/- jitter_ratio*b, uniform.
func (m *Machine) computeBackoff(attempt int) float64 {
	t := m.cfg.Tuning
	b := t.BaseSeconds * math.Pow(2, float64(attempt-1))
	if b > t.MaxSeconds {
		b = t.MaxSeconds
	}
	if t.JitterRatio > 0 {
		jitter := b * t.JitterRatio
		b += (m.rng.Float64()*2 - 1) * jitter
		if b < 0 {
			b = 0
		}
	}
	return b
}
