package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Disabled(t *testing.T) {
	l := New("lixin", Config{})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.True(t, l.TryAcquire())
	assert.Equal(t, 0, l.Pending())
}

func TestLimiter_Interval(t *testing.T) {
	cfg := Config{MaxRequests: 5, Window: time.Second}
	assert.True(t, cfg.Enabled())
	assert.Equal(t, 200*time.Millisecond, cfg.Interval())

	assert.False(t, Config{MaxRequests: 5}.Enabled(), "A window is required")
	assert.Equal(t, 1, New("x", cfg).Config().Burst, "Burst defaults to 1")
}

func TestLimiter_AtMostCapacityPerWindow(t *testing.T) {
	const (
		capacity = 5
		callers  = 12
		window   = 200 * time.Millisecond
	)
	l := New("lixin", Config{MaxRequests: capacity, Window: window})

	var (
		mu      sync.Mutex
		granted []time.Time
		wg      sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Acquire(context.Background())
			assert.NoError(t, err, "No caller should be dropped")
			mu.Lock()
			granted = append(granted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, granted, callers, "Every caller should eventually proceed")
	sort.Slice(granted, func(i, j int) bool { return granted[i].Before(granted[j]) })

	// timer wakeups only run late, so allow a small scheduling slack
	slack := 20 * time.Millisecond
	for i := 0; i+capacity < len(granted); i++ {
		gap := granted[i+capacity].Sub(granted[i])
		assert.GreaterOrEqual(t, gap, window-slack, "Calls %d and %d fall in the same window", i, i+capacity)
	}
	assert.GreaterOrEqual(t, time.Since(start), time.Duration(callers-1)*window/capacity-slack)
}

func TestLimiter_FIFO(t *testing.T) {
	l := New("itick", Config{MaxRequests: 1, Window: 100 * time.Millisecond})
	require.NoError(t, l.Acquire(context.Background()))

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
		}(i)
		// make arrival order deterministic
		require.Eventually(t, func() bool { return l.Pending() == i+1 }, time.Second, time.Millisecond)
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3}, order, "Queued callers should be served in arrival order")
}

func TestLimiter_MaxWait(t *testing.T) {
	l := New("lixin", Config{MaxRequests: 1, Window: time.Second, MaxWait: 10 * time.Millisecond})

	require.NoError(t, l.Acquire(context.Background()))

	start := time.Now()
	err := l.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrBackpressure), "Slot beyond max wait should be rejected")
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Rejection should be immediate")
}

func TestLimiter_DeadlineBeforeSlot(t *testing.T) {
	l := New("lixin", Config{MaxRequests: 1, Window: time.Second})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrBackpressure))
}

func TestLimiter_MaxPending(t *testing.T) {
	l := New("lixin", Config{MaxRequests: 1, Window: 100 * time.Millisecond, MaxPending: 1})
	require.NoError(t, l.Acquire(context.Background()))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()
	require.Eventually(t, func() bool { return l.Pending() == 1 }, time.Second, time.Millisecond)

	err := l.Acquire(context.Background())
	assert.True(t, errors.Is(err, ErrBackpressure), "Queue is full")

	assert.NoError(t, <-done, "Queued caller should still be served")
	assert.Equal(t, 0, l.Pending())
}

func TestLimiter_CancelWhileWaiting(t *testing.T) {
	l := New("lixin", Config{MaxRequests: 1, Window: 500 * time.Millisecond})
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := l.Acquire(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, l.Pending())
}

func TestConfig_Bounded(t *testing.T) {
	c := Config{MaxRequests: 10, Window: time.Second}.Bounded()
	assert.Equal(t, DefaultMaxWait, c.MaxWait)
	assert.Equal(t, DefaultMaxPending, c.MaxPending)

	c = Config{MaxRequests: 10, Window: time.Second, MaxWait: time.Second, MaxPending: 3}.Bounded()
	assert.Equal(t, time.Second, c.MaxWait)
	assert.Equal(t, 3, c.MaxPending)

	assert.Equal(t, Config{}, Config{}.Bounded())
}
