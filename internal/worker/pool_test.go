package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPoolRunsJobs(t *testing.T) {
	p := New(Options{Concurrency: 2}, nil)

	var n atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit("inc", func(ctx context.Context) error {
			n.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int32(10), n.Load())
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := New(Options{Concurrency: 2}, nil)

	var running, peak atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit("slow", func(ctx context.Context) error {
			cur := running.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPoolTimeout(t *testing.T) {
	p := New(Options{Concurrency: 1, Timeout: 20 * time.Millisecond}, nil)

	errc := make(chan error, 1)
	require.NoError(t, p.Submit("wait", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	}))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errc, context.DeadlineExceeded)
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New(Options{}, nil)

	var after atomic.Bool
	require.NoError(t, p.Submit("boom", func(ctx context.Context) error {
		panic("boom")
	}))
	require.NoError(t, p.Submit("after", func(ctx context.Context) error {
		after.Store(true)
		return nil
	}))
	require.NoError(t, p.Shutdown(context.Background()))
	assert.True(t, after.Load())
}

func TestSafeRun(t *testing.T) {
	err := safeRun(context.Background(), func(ctx context.Context) error { panic("x") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: x")

	want := errors.New("failed")
	assert.Equal(t, want, safeRun(context.Background(), func(ctx context.Context) error { return want }))
}

func TestShutdownCancelsOutstanding(t *testing.T) {
	p := New(Options{Concurrency: 1}, nil)

	started := make(chan struct{})
	require.NoError(t, p.Submit("block", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	assert.ErrorIs(t, p.Submit("late", func(ctx context.Context) error { return nil }), ErrClosed)
}
