// Package backoff holds the bounded exponential retry policy shared by the
// bus and matcher connection owners.
package backoff

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy parameterizes a bounded exponential backoff. Retries never give up;
// delays grow from Base by Multiplier up to Max.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0,1). Zero gives exact delays.
	Jitter float64
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{Base: 500 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, Jitter: 0.2}
}

// NewBackOff returns a fresh backoff.BackOff for one retry sequence.
func (p Policy) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Max
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Retry runs op until it succeeds, returns a backoff.Permanent error, or ctx
// is done. notify, if set, is called after each failure with the delay
// before the next attempt.
func (p Policy) Retry(ctx context.Context, op func() error, notify func(err error, next time.Duration)) error {
	return backoff.RetryNotify(op, backoff.WithContext(p.NewBackOff(), ctx), notify)
}

// Permanent marks err so that Retry stops immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
