package errors

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("down")

// fakeClock lets tests move past the reset timeout without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type transition struct{ from, to State }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock, *[]transition) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var (
		mu  sync.Mutex
		log []transition
	)
	cb := NewCircuitBreaker("backend",
		WithMaxFailures(maxFailures),
		WithResetTimeout(time.Second),
		WithStateChange(func(_ string, from, to State) {
			mu.Lock()
			log = append(log, transition{from, to})
			mu.Unlock()
		}))
	cb.now = clock.Now
	return cb, clock, &log
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a breaker that opens after 3 failures
	cb, _, log := newTestBreaker(3)

	// When: the backend fails 3 times
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errDown }, nil), errDown)
	}

	// Then: the next call is refused without running
	assert.Equal(t, StateOpen, cb.State())
	called := false
	err := cb.Execute(func() error { called = true; return nil }, nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []transition{{StateClosed, StateOpen}}, *log)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _, _ := newTestBreaker(2)

	_ = cb.Execute(func() error { return errDown }, nil)
	require.NoError(t, cb.Execute(func() error { return nil }, nil))
	_ = cb.Execute(func() error { return errDown }, nil)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_ProbeClosesAfterTimeout(t *testing.T) {
	cb, clock, log := newTestBreaker(1)
	_ = cb.Execute(func() error { return errDown }, nil)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(func() error { return nil }, nil))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []transition{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, *log)
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(3)
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errDown }, nil)
	}
	clock.Advance(time.Second)

	_ = cb.Execute(func() error { return errDown }, nil)

	// A single failed probe reopens, and the timeout starts again.
	assert.Equal(t, StateOpen, cb.State())
	clock.Advance(500 * time.Millisecond)
	assert.ErrorIs(t, cb.Execute(func() error { return nil }, nil), ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	// Given: a breaker ready to probe
	cb, clock, _ := newTestBreaker(1)
	_ = cb.Execute(func() error { return errDown }, nil)
	clock.Advance(time.Second)

	// When: a second call arrives while the probe is in flight
	inProbe := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(inProbe)
			<-release
			return nil
		}, nil)
	}()
	<-inProbe
	err := cb.Execute(func() error { return nil }, nil)

	// Then: it is refused, and the probe's success closes the breaker
	assert.ErrorIs(t, err, ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresUncountedErrors(t *testing.T) {
	// Given: a breaker that only counts retryable errors
	cb, _, _ := newTestBreaker(1)

	// When: the backend rejects a payload
	err := cb.Execute(func() error { return BackendRejected("bad", nil) }, IsRetryable)

	// Then: the error surfaces but the breaker stays closed
	assert.True(t, IsRejected(err))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_IgnoresInvalidOptions(t *testing.T) {
	cb := NewCircuitBreaker("x", WithMaxFailures(0), WithResetTimeout(-time.Second))

	assert.Equal(t, 5, cb.maxFailures)
	assert.Equal(t, 30*time.Second, cb.resetTimeout)
	assert.Equal(t, "x", cb.Name())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
