package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribeFIFO(t *testing.T) {
	b := New[int](4)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, b.Publish(ctx, i))
	}

	sub := b.Subscribe()
	assert.Equal(t, 1, <-sub)
	assert.Equal(t, 2, <-sub)
	assert.Equal(t, 3, <-sub)
}

func TestTryPublishFailsWhenFull(t *testing.T) {
	b := New[int](1)
	assert.True(t, b.TryPublish(1))
	assert.False(t, b.TryPublish(2))
}

func TestPublishSuspendsUntilCancelled(t *testing.T) {
	b := New[int](1)
	require.True(t, b.TryPublish(1)) // fill the queue

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := b.Publish(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLen(t *testing.T) {
	b := New[int](4)
	assert.Equal(t, 0, b.Len())
	b.TryPublish(1)
	b.TryPublish(2)
	assert.Equal(t, 2, b.Len())
}
