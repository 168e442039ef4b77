package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitIsRespected(t *testing.T) {
	t.Parallel()

	q := New(3)
	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, q.Add(func(release func()) {
			defer wg.Done()
			defer release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}))
	}
	wg.Wait()
	require.NoError(t, q.Wait(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.True(t, q.IsIdle())
}

func TestSlotHeldUntilRelease(t *testing.T) {
	t.Parallel()

	q := New(1)
	releaseFirst := make(chan func(), 1)
	secondStarted := make(chan struct{})

	require.NoError(t, q.Add(func(release func()) {
		// Hand the release to another goroutine and return without it.
		releaseFirst <- release
	}))
	require.NoError(t, q.Add(func(release func()) {
		close(secondStarted)
		release()
	}))

	release := <-releaseFirst
	select {
	case <-secondStarted:
		t.Fatal("second task started before the first released its slot")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, 1, q.Running())
	assert.Equal(t, 1, q.Pending())

	release()
	release() // idempotent

	select {
	case <-secondStarted:
	case <-time.After(time.Second):
		t.Fatal("second task never started")
	}
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, 0, q.Running())
}

func TestNotifyOnceEmpty(t *testing.T) {
	t.Parallel()

	t.Run("fires immediately when idle", func(t *testing.T) {
		t.Parallel()

		q := New(2)
		fired := false
		q.NotifyOnceEmpty(func() { fired = true })
		assert.True(t, fired)
	})

	t.Run("fires once on transition to idle", func(t *testing.T) {
		t.Parallel()

		q := New(1)
		gate := make(chan struct{})
		require.NoError(t, q.Add(func(release func()) {
			<-gate
			release()
		}))

		var calls atomic.Int32
		done := make(chan struct{})
		q.NotifyOnceEmpty(func() {
			calls.Add(1)
			close(done)
		})
		assert.Equal(t, int32(0), calls.Load())

		close(gate)
		<-done

		// A later busy period must not fire the old callback again.
		second := make(chan struct{})
		require.NoError(t, q.Add(func(release func()) {
			release()
			close(second)
		}))
		<-second
		require.NoError(t, q.Wait(context.Background()))
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestPausedQueueIsNotIdle(t *testing.T) {
	t.Parallel()

	q := New(2)
	q.Pause()
	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(func(release func()) {
			ran.Add(1)
			release()
		}))
	}
	assert.False(t, q.IsIdle())
	assert.Equal(t, 3, q.Pending())
	assert.Equal(t, 0, q.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	q.Resume()
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(3), ran.Load())
	assert.True(t, q.IsIdle())
}

func TestSetLimitStartsWaitingTasks(t *testing.T) {
	t.Parallel()

	q := New(1)
	gate := make(chan struct{})
	var started atomic.Int32
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(func(release func()) {
			started.Add(1)
			<-gate
			release()
		}))
	}
	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)

	q.SetLimit(3)
	assert.Equal(t, 3, q.Limit())
	require.Eventually(t, func() bool { return started.Load() == 3 }, time.Second, time.Millisecond)

	close(gate)
	require.NoError(t, q.Wait(context.Background()))
}

func TestClose(t *testing.T) {
	t.Parallel()

	q := New(1)
	q.Pause()
	require.NoError(t, q.Add(func(release func()) { release() }))
	q.Close()
	assert.True(t, q.IsIdle())
	require.ErrorIs(t, q.Add(func(release func()) { release() }), ErrClosed)
}

func TestCloseReportsDroppedTasks(t *testing.T) {
	t.Parallel()

	q := New(1)
	gate := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, q.AddWithDrop(func(release func()) {
		ran.Add(1)
		<-gate
		release()
	}, func(error) { t.Error("running task must not be dropped") }))
	require.Eventually(t, func() bool { return q.Running() == 1 }, time.Second, time.Millisecond)

	var dropped []error
	for i := 0; i < 3; i++ {
		require.NoError(t, q.AddWithDrop(func(release func()) {
			ran.Add(1)
			release()
		}, func(err error) { dropped = append(dropped, err) }))
	}
	require.NoError(t, q.Add(func(release func()) { release() }), "a task without a hook is dropped silently")

	q.Close()
	require.Len(t, dropped, 3)
	for _, err := range dropped {
		assert.ErrorIs(t, err, ErrClosed)
	}
	assert.Equal(t, 0, q.Pending())

	close(gate)
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(1), ran.Load())
}
