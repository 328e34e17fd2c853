package schedule

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weekender-app/weekender/internal/testutil"
)

func TestDebouncerCoalescesBursts(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Close()
	var calls atomic.Int32

	for i := 0; i < 5; i++ {
		d.Trigger("flush", func() { calls.Add(1) })
	}
	assert.Zero(t, calls.Load(), "nothing fires inside the window")

	require.Eventually(t, func() bool { return calls.Load() == 1 },
		time.Second, 5*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "a burst fires exactly once")
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Close()
	var flushes, reconciles atomic.Int32

	d.Trigger("flush", func() { flushes.Add(1) })
	d.Trigger("reconcile", func() { reconciles.Add(1) })

	require.Eventually(t, func() bool {
		return flushes.Load() == 1 && reconciles.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestTriggerNowBypassesWindowAndCancelsPending(t *testing.T) {
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Close()
	var pending, immediate atomic.Int32

	d.Trigger("flush", func() { pending.Add(1) })
	d.TriggerNow("flush", func() { immediate.Add(1) })

	assert.Equal(t, int32(1), immediate.Load(), "runs on the calling goroutine")
	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, pending.Load(), "pending trigger replaced")
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Close()
	var calls atomic.Int32

	d.Trigger("flush", func() { calls.Add(1) })
	d.Cancel("flush")
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestDebouncerCloseDropsEverything(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	var calls atomic.Int32

	d.Trigger("flush", func() { calls.Add(1) })
	d.Close()
	d.Trigger("flush", func() { calls.Add(1) })
	d.TriggerNow("flush", func() { calls.Add(1) })

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestThrottleAdmitsOncePerInterval(t *testing.T) {
	clock := testutil.NewManualClock(time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC))
	th := NewThrottle(60*time.Second, clock.Now)

	assert.True(t, th.Allow())
	assert.False(t, th.Allow())
	clock.Advance(59 * time.Second)
	assert.False(t, th.Allow())
	clock.Advance(time.Second)
	assert.True(t, th.Allow())
	assert.False(t, th.Allow())
}

func TestSafetyTickFiresAndStops(t *testing.T) {
	var mu sync.Mutex
	fired := 0
	tick, err := NewSafetyTick(100*time.Millisecond, func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired >= 1
	}, 3*time.Second, 10*time.Millisecond)

	tick.Stop()
	mu.Lock()
	after := fired
	mu.Unlock()
	time.Sleep(250 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, fired, "no fires after Stop")
	mu.Unlock()
}
