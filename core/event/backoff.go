package event

import (
	rand "math/rand/v2"
	"time"
)

// RetryPolicy controls how a failed persistence write is retried.
// MaxAttempts <= 0 retries until the context is done.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	MaxAttempts int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       50 * time.Millisecond,
		Cap:        5 * time.Second,
		Multiplier: 2,
	}
}

// next computes a capped, jittered delay from the previous one.
func (p RetryPolicy) next(prev time.Duration) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	mult := p.Multiplier
	if mult < 1.0 {
		mult = 1.0
	}
	if p.Cap > 0 && p.Cap < base {
		return p.Cap
	}
	if prev <= 0 {
		return base
	}

	spread := time.Duration(float64(prev)*mult) - base
	if spread <= 0 {
		spread = base
	}

	next := base + time.Duration(rand.Int64N(int64(spread))) //nolint:gosec // non-crypto backoff jitter
	if p.Cap > 0 && next > p.Cap {
		return p.Cap
	}

	return next
}
