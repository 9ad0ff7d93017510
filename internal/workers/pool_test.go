package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsTasks(t *testing.T) {
	pool := New(context.Background(), 2)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit("count", func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Close())
	assert.Equal(t, int32(10), ran.Load())
	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestPoolCloseCancelsLongRunningTasks(t *testing.T) {
	pool := New(context.Background(), 2)
	started := make(chan struct{})

	require.NoError(t, pool.Submit("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	done := make(chan error)
	go func() { done <- pool.Close() }()

	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is not a task failure")
	case <-time.After(time.Second):
		t.Fatal("Close did not return after cancelling tasks")
	}

	assert.ErrorIs(t, pool.Submit("late", func(context.Context) error { return nil }), ErrPoolClosed)
}

func TestPoolReportsFailures(t *testing.T) {
	pool := New(context.Background(), 1)
	boom := errors.New("boom")

	require.NoError(t, pool.Submit("failing", func(context.Context) error { return boom }))
	err := pool.Close()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), pool.Stats().Failed)
}
