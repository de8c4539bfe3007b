package reconnect

import (
	"errors"
	"math"
	"time"
)

// ErrExhausted is returned by an endpoint once MaxAttempts consecutive
// reconnects have failed. It is terminal.
var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy computes the exponential backoff schedule for transport reconnects.
//
//	delay(n) = BaseDelay * Multiplier^(n-1), n in [1, MaxAttempts]
//
// MaxDelay caps a single delay when non-zero. A Policy is owned by one
// endpoint loop and is not safe for concurrent use.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int
	MaxDelay    time.Duration

	attempts int // consecutive failures since the last Reset
}

// New creates a policy with no failures recorded.
func New(base time.Duration, multiplier float64, maxAttempts int) *Policy {
	return &Policy{
		BaseDelay:   base,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
	}
}

// Delay returns the delay for attempt n, counting from 1.
func (p *Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1 // keeps the schedule non-decreasing
	}
	d := float64(p.BaseDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// NextDelay records a failure and returns how long to wait before the
// next attempt. Callers check Exhausted first.
func (p *Policy) NextDelay() time.Duration {
	p.attempts++
	return p.Delay(p.attempts)
}

// Reset clears the failure count after a successful connection.
func (p *Policy) Reset() {
	p.attempts = 0
}

// Exhausted reports whether MaxAttempts consecutive failures have been
// scheduled without an intervening success.
func (p *Policy) Exhausted() bool {
	return p.attempts >= p.MaxAttempts
}

// Attempts returns the number of consecutive failures recorded.
func (p *Policy) Attempts() int {
	return p.attempts
}
