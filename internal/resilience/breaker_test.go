package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    0,
		Timeout:     20 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool { return c.ConsecutiveFailures >= 3 },
	}
}

// ============================================================================
// STATE MACHINE: CLOSED -> OPEN -> HALF-OPEN -> CLOSED
// ============================================================================

func TestBreaker_TripsOpenAfterConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_, err := b.Execute(func() (interface{}, error) { return nil, boom })
		assert.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State())

	_, err := b.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenRecoversToClosed(t *testing.T) {
	b := New(testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		b.Execute(func() (interface{}, error) { return nil, boom })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(25 * time.Millisecond) // past Timeout, breaker should probe
	assert.Equal(t, StateHalfOpen, b.State())

	for i := 0; i < 2; i++ { // MaxRequests successes in half-open closes it
		_, err := b.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New(testConfig())
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		b.Execute(func() (interface{}, error) { return nil, boom })
	}
	time.Sleep(25 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	_, err := b.Execute(func() (interface{}, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New(testConfig())
	boom := errors.New("boom")

	b.Execute(func() (interface{}, error) { return nil, boom })
	b.Execute(func() (interface{}, error) { return nil, boom })
	b.Execute(func() (interface{}, error) { return "ok", nil })
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)

	b.Execute(func() (interface{}, error) { return nil, boom })
	b.Execute(func() (interface{}, error) { return nil, boom })
	assert.Equal(t, StateClosed, b.State(), "reset streak means two more failures alone don't trip")
}

// ============================================================================
// PANIC SAFETY
// ============================================================================

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	b := New(testConfig())

	assert.Panics(t, func() {
		b.Execute(func() (interface{}, error) {
			panic("boom")
		})
	})
	assert.Equal(t, uint32(1), b.Counts().ConsecutiveFailures)
}

// ============================================================================
// PEER BREAKERS
// ============================================================================

func TestPeerBreakers_IsolatesPerPeer(t *testing.T) {
	pb := NewPeerBreakers(nil)

	a := pb.Get("peer-a")
	b := pb.Get("peer-a")
	assert.Same(t, a, b, "Get is idempotent per peer")

	c := pb.Get("peer-b")
	assert.NotSame(t, a, c)

	snap := pb.Snapshot()
	assert.Len(t, snap, 2)

	pb.Remove("peer-a")
	assert.Len(t, pb.Snapshot(), 1)
}
