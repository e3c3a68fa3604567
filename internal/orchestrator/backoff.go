package orchestrator

import (
	"math/rand"
	"time"
)

// backoff computes retry delays: exponential growth from base to cap, with
// the upper half of each delay jittered so concurrent sessions do not retry
// in lockstep. The overall retry budget is the caller's wall-clock deadline,
// not an attempt count.
type backoff struct {
	base    time.Duration
	cap     time.Duration
	attempt int
}

func newBackoff(base, cap time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	return &backoff{base: base, cap: cap}
}

// Next returns the delay before the next attempt.
func (b *backoff) Next() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.cap || d <= 0 {
			d = b.cap
			break
		}
	}
	b.attempt++

	half := d / 2
	if half <= 0 {
		return d
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
