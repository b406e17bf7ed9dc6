package readiness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssertReadyFailsUntilMarkedReady(t *testing.T) {
	g := New()
	err := g.AssertReady()
	require.Error(t, err)

	g.MarkReady(time.Now())
	require.NoError(t, g.AssertReady())
}

func TestMarkNotReadySetsReason(t *testing.T) {
	g := New()
	g.MarkReady(time.Now())
	g.MarkNotReady("rehydration in progress")

	snap := g.Snapshot()
	assert.False(t, snap.Ready)
	assert.Equal(t, "rehydration in progress", snap.Error)
}

func TestWaitUntilReadyUnblocksOnMarkReady(t *testing.T) {
	g := New()
	done := make(chan error, 1)
	go func() {
		done <- g.WaitUntilReady(context.Background(), 0)
	}()

	time.Sleep(10 * time.Millisecond)
	g.MarkReady(time.Now())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitUntilReady did not unblock")
	}
}

func TestWaitUntilReadyRespectsTimeout(t *testing.T) {
	g := New()
	err := g.WaitUntilReady(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
