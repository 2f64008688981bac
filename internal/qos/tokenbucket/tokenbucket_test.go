package tokenbucket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartsFull(t *testing.T) {
	b := New(100, 10)
	require.EqualValues(t, 100, b.Available())
}

func TestTryConsumeExactlyOnceWhenFull(t *testing.T) {
	b := New(100, 10)
	ok, _ := b.TryConsume(100)
	require.True(t, ok)
	ok, deficit := b.TryConsume(1)
	require.False(t, ok)
	require.EqualValues(t, 1, deficit)
}

func TestRefillWithinTolerance(t *testing.T) {
	b := New(100, 100)
	ok, _ := b.TryConsume(100)
	require.True(t, ok)
	time.Sleep(200 * time.Millisecond)
	avail := b.Available()
	require.InDelta(t, 20, float64(avail), 5)
}

func TestConsumeWaitsUntilAvailable(t *testing.T) {
	b := New(10, 100)
	ok, _ := b.TryConsume(10)
	require.True(t, ok)
	start := time.Now()
	err := b.Consume(context.Background(), 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond)
}

func TestConsumeRespectsCancellation(t *testing.T) {
	b := New(1, 1)
	ok, _ := b.TryConsume(1)
	require.True(t, ok)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Consume(ctx, 1000)
	require.Error(t, err)
}
