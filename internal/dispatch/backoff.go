package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy maps a delivery attempt number (1-based) to a retry delay.
type BackoffPolicy func(attempt int) time.Duration

// ExponentialBackoff doubles the delay per attempt up to cap, then spreads
// each delay by +/- jitter to keep a crashed batch from thundering back in
// lockstep.
func ExponentialBackoff(base, cap time.Duration, jitter float64) BackoffPolicy {
	if base <= 0 {
		base = time.Second
	}
	if cap < base {
		cap = base
	}
	if jitter < 0 || jitter >= 1 {
		jitter = 0
	}
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := float64(base) * math.Pow(2, float64(attempt-1))
		if d > float64(cap) {
			d = float64(cap)
		}
		if jitter > 0 {
			d *= 1 - jitter + 2*jitter*rand.Float64()
		}
		return time.Duration(d)
	}
}
