package apiclient

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtHalfFailureRate(t *testing.T) {
	b := newBreaker(5, 30*time.Second, nil)

	// 3 ok, 3 failed: 50% over 6 calls >= threshold.
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Record(false)
	}
	for i := 0; i < 3; i++ {
		require.True(t, b.Allow())
		b.Record(true)
	}

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "open breaker must refuse calls without touching the network")
}

func TestBreakerStaysClosedBelowMinCalls(t *testing.T) {
	b := newBreaker(5, 30*time.Second, nil)
	for i := 0; i < 4; i++ {
		require.True(t, b.Allow())
		b.Record(true)
	}
	// 100% failures but only 4 observations.
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerConfigurableThreshold(t *testing.T) {
	b := newBreaker(2, 30*time.Second, nil)
	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Record(true)
	}
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := newBreaker(5, 10*time.Millisecond, nil)
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	require.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow(), "first call after reset timeout is the probe")
	assert.Equal(t, BreakerHalfOpen, b.State())
	assert.False(t, b.Allow(), "only one probe may be in flight")

	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
	assert.True(t, b.Allow())
}

func TestBreakerCancelFreesHalfOpenProbe(t *testing.T) {
	b := newBreaker(5, 10*time.Millisecond, nil)
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	require.Equal(t, BreakerHalfOpen, b.State())

	// The admitted call never reached the network.
	b.Cancel()
	assert.Equal(t, BreakerHalfOpen, b.State(), "canceled probe must not close the circuit")
	assert.True(t, b.Allow(), "probe slot must be free for the next caller")
	b.Record(false)
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newBreaker(5, 10*time.Millisecond, nil)
	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}
	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow())
	b.Record(true)

	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow(), "timer refreshed on probe failure")
}

func TestBreakerChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []BreakerState
	done := make(chan struct{}, 4)

	b := newBreaker(5, 30*time.Second, func(from, to BreakerState) {
		mu.Lock()
		transitions = append(transitions, to)
		mu.Unlock()
		done <- struct{}{}
	})

	for i := 0; i < 5; i++ {
		b.Allow()
		b.Record(true)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state change callback never fired")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	assert.Equal(t, BreakerOpen, transitions[0])
}
