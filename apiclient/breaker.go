package apiclient

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker position.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

const (
	breakerWindowSize      = 10
	defaultBreakerMinCalls = 5
	breakerFailureRatio    = 0.5
)

// breaker is a rolling-window circuit breaker for the downstream API.
// Closed -> Open when the failure rate over the recent window reaches 50%
// (with at least minCalls observations). Open holds for resetTimeout, then
// HalfOpen admits a single probe: success closes, failure re-opens with a
// refreshed timer.
type breaker struct {
	mu sync.Mutex

	state        BreakerState
	minCalls     int
	resetTimeout time.Duration

	// window is a ring of recent call outcomes (true = failure).
	window [breakerWindowSize]bool
	head   int
	filled int

	openedAt      time.Time
	probeInFlight bool

	// onChange is called outside the normal call path whenever the state
	// moves; used for logging, metrics and cache invalidation.
	onChange func(from, to BreakerState)
}

func newBreaker(minCalls int, resetTimeout time.Duration, onChange func(from, to BreakerState)) *breaker {
	if minCalls <= 0 {
		minCalls = defaultBreakerMinCalls
	}
	if minCalls > breakerWindowSize {
		minCalls = breakerWindowSize
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &breaker{state: BreakerClosed, minCalls: minCalls, resetTimeout: resetTimeout, onChange: onChange}
}

// Allow reports whether a call may proceed right now.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) < b.resetTimeout {
			return false
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

// Record feeds a call outcome back into the breaker.
func (b *breaker) Record(failure bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.probeInFlight = false
		if failure {
			b.openedAt = time.Now()
			b.transition(BreakerOpen)
			return
		}
		b.reset()
		b.transition(BreakerClosed)
	case BreakerClosed:
		b.window[b.head] = failure
		b.head = (b.head + 1) % breakerWindowSize
		if b.filled < breakerWindowSize {
			b.filled++
		}
		if b.filled >= b.minCalls && b.failureRate() >= breakerFailureRatio {
			b.openedAt = time.Now()
			b.transition(BreakerOpen)
		}
	case BreakerOpen:
		// Outcome of a call admitted before the circuit opened; ignore.
	}
}

// Cancel releases a call admitted by Allow that never reached the network
// (canceled context, request build failure). The outcome says nothing about
// the downstream, so the window and state are untouched; a half-open probe
// slot is freed for the next caller.
func (b *breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) failureRate() float64 {
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(b.filled)
}

func (b *breaker) reset() {
	b.head = 0
	b.filled = 0
	b.probeInFlight = false
}

func (b *breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		go b.onChange(from, to)
	}
}
