// Package backoff implements capped exponential delays for reconnection
// scheduling.
package backoff

import (
	"math"
	"time"
)

type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 means unlimited

	attempt int
}

// Next returns the delay before the upcoming attempt and advances the
// attempt counter. Delays double each attempt and are capped at Max.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(float64(b.Base) * math.Pow(2, float64(b.attempt)))
	if d > b.Max || d < 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

// Exhausted reports whether the attempt budget is spent.
func (b *Backoff) Exhausted() bool {
	return b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts
}

func (b *Backoff) Attempt() int { return b.attempt }

func (b *Backoff) Reset() { b.attempt = 0 }
