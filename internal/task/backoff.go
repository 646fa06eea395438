package task

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff determines the delay before a retry. retry is 1 for the first
// retry after the initial failure.
type Backoff interface {
	Delay(retry int) time.Duration
}

// BackoffFunc adapts a function to Backoff.
type BackoffFunc func(retry int) time.Duration

func (f BackoffFunc) Delay(retry int) time.Duration { return f(retry) }

// FixedBackoff waits the same delay before every retry.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Delay(int) time.Duration { return b.Interval }

// LinearBackoff waits Initial + (retry-1)*Increment, capped at Max.
type LinearBackoff struct {
	Initial   time.Duration
	Increment time.Duration
	Max       time.Duration
}

func (b LinearBackoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := b.Initial + time.Duration(retry-1)*b.Increment
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// ExponentialBackoff waits Base * Multiplier^(retry-1), with optional jitter,
// capped at Max.
//
//	b := ExponentialBackoff{Base: 100 * time.Millisecond, Max: 10 * time.Second}
//	// retry 1: 100ms, retry 2: 200ms, retry 3: 400ms, ...
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration

	// Multiplier defaults to 2 when zero.
	Multiplier float64

	// Jitter in [0, 1]: 0.1 means +/-10%.
	Jitter float64
}

func (b ExponentialBackoff) Delay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	m := b.Multiplier
	if m == 0 {
		m = 2
	}

	d := float64(b.Base) * math.Pow(m, float64(retry-1))
	if b.Jitter > 0 {
		//nolint:gosec // jitter does not need crypto randomness
		d *= 1 + b.Jitter*(2*rand.Float64()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
