package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func TestLoopRunsInOrder(t *testing.T) {
	loop := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, loop.Post(func() { got = append(got, i) }))
	}

	var snapshot []int
	require.NoError(t, loop.Do(context.Background(), func() { snapshot = append(snapshot, got...) }))
	require.Len(t, snapshot, 100)
	for i, v := range snapshot {
		assert.Equal(t, i, v)
	}
}

func TestLoopPostFromLoop(t *testing.T) {
	loop := startLoop(t)

	var inner atomic.Bool
	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() {
			inner.Store(true)
			close(done)
		})
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
	assert.True(t, inner.Load())
}

func TestLoopStopped(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := NewLoop()
	go loop.Run(ctx)
	cancel()
	<-loop.Done()

	assert.False(t, loop.Post(func() {}))
	assert.ErrorIs(t, loop.Do(context.Background(), func() {}), ErrStopped)
}

func TestLoopConcurrentPosters(t *testing.T) {
	loop := startLoop(t)

	counter := 0
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				loop.Post(func() { counter++ })
			}
		}()
	}
	wg.Wait()

	var got int
	require.NoError(t, loop.Do(context.Background(), func() { got = counter }))
	assert.Equal(t, 2000, got)
}

// onLoop runs fn on the loop and returns its result
func onLoop[T any](t *testing.T, loop *Loop, fn func() T) T {
	t.Helper()
	var v T
	require.NoError(t, loop.Do(context.Background(), func() { v = fn() }))
	return v
}

func TestSchedulerFires(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var fired atomic.Int32
	key := Key{Kind: KindBurst, ID: "peer-1"}
	onLoop(t, loop, func() bool {
		s.Schedule(key, 150*time.Millisecond, func() { fired.Add(1) })
		return true
	})

	clk.Add(100 * time.Millisecond)
	assert.Equal(t, 1, onLoop(t, loop, s.Len))
	assert.Equal(t, int32(0), fired.Load())

	clk.Add(60 * time.Millisecond)
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, onLoop(t, loop, s.Len))
}

func TestSchedulerRescheduleReplaces(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var first, second atomic.Int32
	key := Key{Kind: KindBurst, ID: "peer-1"}

	onLoop(t, loop, func() bool {
		s.Schedule(key, 150*time.Millisecond, func() { first.Add(1) })
		return true
	})
	clk.Add(100 * time.Millisecond)
	onLoop(t, loop, func() bool {
		s.Schedule(key, 150*time.Millisecond, func() { second.Add(1) })
		return true
	})

	clk.Add(100 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load())

	clk.Add(100 * time.Millisecond)
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
	assert.Equal(t, 0, onLoop(t, loop, s.Len))
}

func TestSchedulerCancel(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var fired atomic.Int32
	onLoop(t, loop, func() bool {
		s.Schedule(Key{KindConnect, "a"}, time.Second, func() { fired.Add(1) })
		s.Schedule(Key{KindBurst, "a"}, time.Second, func() { fired.Add(1) })
		s.Schedule(Key{KindBurst, "b"}, time.Second, func() { fired.Add(10) })
		return true
	})

	assert.Equal(t, 2, onLoop(t, loop, func() int { return s.CancelID("a") }))
	assert.False(t, onLoop(t, loop, func() bool { return s.Cancel(Key{KindConnect, "a"}) }))

	clk.Add(2 * time.Second)
	require.Eventually(t, func() bool { return fired.Load() == 10 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerCancelAfterFireBeforeRun(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var fired atomic.Int32
	key := Key{KindTyping, "alice"}

	// hold the loop while the timer fires, then cancel ahead of the queued callback
	release := make(chan struct{})
	onLoop(t, loop, func() bool {
		s.Schedule(key, time.Second, func() { fired.Add(1) })
		return true
	})
	loop.Post(func() {
		<-release
		s.Cancel(key)
	})

	clk.Add(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	close(release)

	onLoop(t, loop, func() bool { return true })
	assert.Equal(t, int32(0), fired.Load())
	assert.Equal(t, 0, onLoop(t, loop, s.Len))
}

func TestSchedulerEvery(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var ticks atomic.Int32
	key := Key{Kind: KindReconnect}
	onLoop(t, loop, func() bool {
		s.Every(key, 30*time.Second, func() { ticks.Add(1) })
		return true
	})

	for i := 1; i <= 3; i++ {
		clk.Add(30 * time.Second)
		want := int32(i)
		require.Eventually(t, func() bool { return ticks.Load() == want }, time.Second, 5*time.Millisecond)
		// the next tick must be armed before advancing again
		require.Eventually(t, func() bool {
			return onLoop(t, loop, s.Len) == 1
		}, time.Second, 5*time.Millisecond)
	}

	onLoop(t, loop, func() bool { return s.Cancel(key) })
	clk.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), ticks.Load())
}

func TestSchedulerCancelAll(t *testing.T) {
	loop := startLoop(t)
	clk := clock.NewMock()
	s := NewScheduler(clk, loop)

	var fired atomic.Int32
	onLoop(t, loop, func() bool {
		s.Schedule(Key{KindBurst, "a"}, time.Second, func() { fired.Add(1) })
		s.Schedule(Key{KindFragment, "m1"}, time.Second, func() { fired.Add(1) })
		s.Every(Key{Kind: KindReconnect}, time.Second, func() { fired.Add(1) })
		return true
	})
	assert.Equal(t, 3, onLoop(t, loop, s.Len))

	onLoop(t, loop, func() bool {
		s.CancelAll()
		return true
	})
	assert.Equal(t, 0, onLoop(t, loop, s.Len))

	clk.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	onLoop(t, loop, func() bool { return true })
	assert.Equal(t, int32(0), fired.Load())
}
