package lanes

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSameKeyRunsInOrderOneAtATime(t *testing.T) {
	d := New(8)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	var running, maxRunning int32

	for i := 0; i < 50; i++ {
		i := i
		d.Submit(ctx, "tenant-1", func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			atomic.AddInt32(&running, -1)
		})
	}
	d.Wait()

	require.Equal(t, int32(1), maxRunning)
	require.Len(t, order, 50)
	for i := range order {
		require.Equal(t, i, order[i])
	}
	require.Zero(t, d.Active())
}

func TestSlowKeyDoesNotDelayOtherKeys(t *testing.T) {
	d := New(2)
	ctx := context.Background()

	release := make(chan struct{})
	fastDone := make(chan struct{})

	d.Submit(ctx, "slow", func(context.Context) { <-release })
	d.Submit(ctx, "fast", func(context.Context) { close(fastDone) })

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast lane was blocked by slow lane")
	}
	require.True(t, d.Busy("slow"))

	close(release)
	d.Wait()
	require.False(t, d.Busy("slow"))
}

func TestConcurrencyBound(t *testing.T) {
	d := New(3)
	ctx := context.Background()

	var running, maxRunning int32
	for i := 0; i < 12; i++ {
		key := string(rune('a' + i))
		d.Submit(ctx, key, func(context.Context) {
			n := atomic.AddInt32(&running, 1)
			for {
				m := atomic.LoadInt32(&maxRunning)
				if n <= m || atomic.CompareAndSwapInt32(&maxRunning, m, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
	}
	d.Wait()
	require.LessOrEqual(t, maxRunning, int32(3))
}

func TestCancelledContextDropsQueuedTasks(t *testing.T) {
	d := New(1)
	ctx, cancel := context.WithCancel(context.Background())

	block := make(chan struct{})
	var ran int32
	d.Submit(context.Background(), "holder", func(context.Context) { <-block })
	// wait until the holder owns the only slot
	require.Eventually(t, func() bool { return d.Busy("holder") }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	d.Submit(ctx, "victim", func(context.Context) { atomic.AddInt32(&ran, 1) })
	cancel()
	close(block)
	d.Wait()

	require.Zero(t, atomic.LoadInt32(&ran))
}
