package circuitbreaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := New("lixin", Config{})
	cfg := cb.Config()

	assert.Equal(t, uint32(5), cfg.FailureThreshold)
	assert.Equal(t, uint32(3), cfg.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.ResetTimeout)
	assert.Equal(t, uint32(3), cfg.HalfOpenMaxCalls, "Half-open trials default to the success threshold")
	assert.Equal(t, StateClosed, cb.State(), "Circuit breaker should start closed")
	assert.True(t, cb.CanExecute())
}

func TestCircuitBreaker_TripAndRecover(t *testing.T) {
	cb := New("lixin", Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		ResetTimeout:     50 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		require.True(t, cb.CanExecute(), "Closed circuit should admit call %d", i)
		cb.RecordFailure()
	}
	assert.Equal(t, StateOpen, cb.State(), "Circuit should open after 3 failures")
	assert.False(t, cb.CanExecute(), "Open circuit should reject calls")

	time.Sleep(60 * time.Millisecond)

	assert.True(t, cb.CanExecute(), "Circuit should admit a trial after the reset timeout")
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.State(), "One success is below the threshold")

	require.True(t, cb.CanExecute())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State(), "Circuit should close after 2 successes")
	assert.Equal(t, uint32(0), cb.Stats().ConsecutiveFailures, "Closing resets the failure count")
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := New("itick", Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second}).
		WithClock(clock.Now)

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())
	cb.RecordFailure()

	assert.Equal(t, StateOpen, cb.State(), "Any half-open failure should reopen the circuit")
	assert.False(t, cb.CanExecute())

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, StateOpen, cb.State(), "Reset timeout restarts from the reopen")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := New("lixin", Config{FailureThreshold: 3})

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	assert.Equal(t, StateClosed, cb.State(), "Failures are counted consecutively")
	assert.Equal(t, uint32(2), cb.Stats().ConsecutiveFailures)

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_FailureWindow(t *testing.T) {
	clock := newFakeClock()
	cb := New("lixin", Config{FailureThreshold: 2, FailureWindow: time.Minute}).WithClock(clock.Now)

	cb.RecordFailure()
	clock.Advance(2 * time.Minute)
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.State(), "A stale failure should not count toward the threshold")

	clock.Advance(10 * time.Second)
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenTrialBound(t *testing.T) {
	clock := newFakeClock()
	cb := New("lixin", Config{
		FailureThreshold: 1,
		SuccessThreshold: 3,
		ResetTimeout:     time.Second,
		HalfOpenMaxCalls: 2,
	}).WithClock(clock.Now)

	cb.RecordFailure()
	clock.Advance(time.Second)

	assert.True(t, cb.CanExecute())
	assert.True(t, cb.CanExecute())
	assert.False(t, cb.CanExecute(), "Only 2 trials may be outstanding")

	cb.Abandon()
	assert.True(t, cb.CanExecute(), "Abandoning a trial frees its slot")

	cb.RecordSuccess()
	assert.True(t, cb.CanExecute(), "Recording an outcome frees its slot")
	assert.Equal(t, StateHalfOpen, cb.State())
}

func TestCircuitBreaker_LateResultsWhileOpenAreIgnored(t *testing.T) {
	cb := New("lixin", Config{FailureThreshold: 1, ResetTimeout: time.Hour})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.RecordSuccess()
	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, uint32(0), cb.Stats().ConsecutiveSuccesses)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	var transitions []State
	cb := New("lixin", Config{FailureThreshold: 1, ResetTimeout: time.Hour}).
		WithStateChangeCallback(func(name string, from, to State) {
			assert.Equal(t, "lixin", name)
			transitions = append(transitions, to)
		})

	cb.RecordFailure()
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State(), "Reset should close the circuit")
	assert.True(t, cb.CanExecute())
	assert.Equal(t, []State{StateOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	clock := newFakeClock()
	var transitions []string
	cb := New("itick", Config{FailureThreshold: 2, SuccessThreshold: 1, ResetTimeout: time.Second}).
		WithClock(clock.Now).
		WithStateChangeCallback(func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		})

	cb.RecordFailure()
	cb.RecordFailure()
	clock.Advance(time.Second)
	require.True(t, cb.CanExecute())
	cb.RecordSuccess()

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestCircuitBreaker_Stats(t *testing.T) {
	clock := newFakeClock()
	cb := New("lixin", Config{FailureThreshold: 4, SuccessThreshold: 2}).WithClock(clock.Now)

	cb.RecordFailure()
	cb.RecordFailure()

	stats := cb.Stats()
	assert.Equal(t, "lixin", stats.Name)
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, uint32(2), stats.ConsecutiveFailures)
	assert.Equal(t, uint32(4), stats.FailureThreshold)
	assert.Equal(t, uint32(2), stats.SuccessThreshold)
	assert.True(t, clock.Now().Equal(stats.LastTransition))
}

func TestCircuitBreaker_ConcurrentFailuresTripOnce(t *testing.T) {
	var opened atomic.Int32
	cb := New("lixin", Config{FailureThreshold: 10, ResetTimeout: time.Hour}).
		WithStateChangeCallback(func(_ string, _, to State) {
			if to == StateOpen {
				opened.Add(1)
			}
		})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cb.RecordFailure()
		}()
	}
	wg.Wait()

	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, int32(1), opened.Load(), "Concurrent failures should trip the circuit exactly once")
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
