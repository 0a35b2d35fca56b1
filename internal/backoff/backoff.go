// Package backoff implements the retry delay policy shared by the pull
// loop, the push channel client, and the sync reconciler.
package backoff

import "time"

// Policy computes retry delays. Delay is a pure function of the attempt
// number; callers keep their own attempt counters and reset them to zero
// after any success.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Default matches the protocol contract: base 1s, factor 2, cap 30s.
var Default = Policy{Base: time.Second, Cap: 30 * time.Second}

// Delay returns the delay before retry number attempt. Attempt 1 waits
// Base, attempt 2 waits 2*Base, doubling until Cap. Attempts below 1
// wait nothing.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}
