// Package readiness implements the shared readiness gate that the
// rehydrator closes at boot and reopens once reconciliation succeeds;
// AssertReady lets strategy and execution entry points check it.
package readiness

import (
	"context"
	"sync"
	"time"
)

// Snapshot is a point-in-time read of gate state for health endpoints.
type Snapshot struct {
	Ready bool
	Error string
	At    time.Time
}

// Gate is a shared ready/not-ready flag with a reason, observable via a
// blocking wait and a non-blocking snapshot.
type Gate struct {
	mu    sync.Mutex
	ready bool
	err   string
	at    time.Time
	subs  []chan struct{}
}

// New returns a gate starting not-ready.
func New() *Gate {
	return &Gate{at: time.Now()}
}

// MarkReady flips the gate to ready, clearing any prior error.
func (g *Gate) MarkReady(at time.Time) {
	g.mu.Lock()
	g.ready = true
	g.err = ""
	g.at = at
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, ch := range subs {
		close(ch)
	}
}

// MarkNotReady flips the gate to not-ready with a reason.
func (g *Gate) MarkNotReady(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ready = false
	g.err = reason
	g.at = time.Now()
}

// Snapshot returns the current state without blocking.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{Ready: g.ready, Error: g.err, At: g.at}
}

// WaitUntilReady blocks until the gate becomes ready, ctx is cancelled, or
// the optional timeout elapses (0 means no timeout beyond ctx).
func (g *Gate) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if g.ready {
		g.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	g.subs = append(g.subs, ch)
	g.mu.Unlock()

	waitCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-ch:
		return nil
	case <-waitCtx.Done():
		return waitCtx.Err()
	}
}

// ErrNotReady is returned by AssertReady when the gate is not ready.
type ErrNotReady struct{ Reason string }

func (e *ErrNotReady) Error() string {
	if e.Reason == "" {
		return "not ready"
	}
	return "not ready: " + e.Reason
}

// AssertReady returns ErrNotReady when the gate is not currently ready; it
// gates strategy and execution entry points.
func (g *Gate) AssertReady() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.ready {
		return &ErrNotReady{Reason: g.err}
	}
	return nil
}
