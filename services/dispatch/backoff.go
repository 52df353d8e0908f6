package dispatch

import (
	"math"
	"math/rand/v2"
	"time"
)

// longest is the ceiling for an uncapped backoff
const longest = time.Duration(math.MaxInt64)

// Backoff computes exponential retry delays with jitter
type Backoff struct {
	// Base is the delay before the first retry
	Base time.Duration

	// Max caps any single delay
	Max time.Duration

	// Jitter adds up to this fraction of the delay at random (0 disables)
	Jitter float64

	rand func() float64
}

// Delay returns the wait before retry number attempt (1-based)
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}

	d := base
	for i := 1; i < attempt; i++ {
		if d > longest/2 {
			d = longest
			break
		}
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}

	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		extra := float64(d) * b.Jitter * r()
		if extra >= float64(longest-d) {
			d = longest
		} else if next := d + time.Duration(extra); next >= d {
			d = next
		} else {
			d = longest
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// nextDelay is the wait before a retry: the backoff step, raised to the vendor's
// Retry-After hint (capped) and never below the previous delay
func nextDelay(b Backoff, attempt int, retryAfter, maxRetryAfter, previous time.Duration) time.Duration {
	d := b.Delay(attempt)
	if retryAfter > 0 {
		if maxRetryAfter > 0 && retryAfter > maxRetryAfter {
			retryAfter = maxRetryAfter
		}
		if retryAfter > d {
			d = retryAfter
		}
	}
	if d < previous {
		d = previous
	}
	return d
}
