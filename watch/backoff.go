package watch

import (
	"math"
	"time"
)

// Backoff produces the delay sequence factor*2^n for consecutive failures.
// Once a computed delay reaches Max every later delay is Max, even if the
// factor would have produced a smaller value.
type Backoff struct {
	Factor time.Duration
	Max    time.Duration

	attempts int
	maxed    bool
}

// Next records a failure and returns how long to wait before retrying.
func (b *Backoff) Next() time.Duration {
	b.attempts++
	if b.maxed {
		return b.Max
	}
	if b.attempts < 63 {
		mult := time.Duration(1) << uint(b.attempts)
		if b.Factor <= time.Duration(math.MaxInt64)/mult {
			if d := b.Factor * mult; d < b.Max {
				return d
			}
		}
	}
	b.maxed = true
	return b.Max
}

// Reset clears the failure count after a success.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.maxed = false
}

// Attempts returns the number of failures recorded since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Maxed reports whether the sequence has saturated at Max.
func (b *Backoff) Maxed() bool {
	return b.maxed
}
