package pubsub

import (
	"errors"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// breaker stops publish attempts after repeated failures and periodically
// probes for recovery. Failures age out of the rolling window, so five
// failures spread over minutes never trip it.
type breaker struct {
	mu        sync.Mutex
	state     breakerState
	failures  []time.Time
	openedAt  time.Time
	threshold int
	window    time.Duration
	now       func() time.Time
}

func newBreaker(threshold int, window time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. While open it fails fast;
// once the window has elapsed it lets a single probe through (half-open).
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if b.now().Sub(b.openedAt) >= b.window {
			b.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe at a time; further attempts wait for its outcome.
		return false
	}
	return false
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failures = b.failures[:0]
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.state == breakerHalfOpen {
		// Probe failed, back to open for another full window.
		b.state = breakerOpen
		b.openedAt = now
		return
	}

	b.failures = append(b.failures, now)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if now.Sub(t) <= b.window {
			kept = append(kept, t)
		}
	}
	b.failures = kept

	if len(b.failures) >= b.threshold {
		b.state = breakerOpen
		b.openedAt = now
		b.failures = b.failures[:0]
	}
}
