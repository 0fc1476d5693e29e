// Package retry configures bounded exponential retries on top of github.com/cenkalti/backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy controls retry timing. Delays are Base*2^attempt, capped at Max.
type Policy struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"` // zero or negative means no retries
}

// BackOff returns a fresh schedule for p. NextBackOff yields backoff.Stop once MaxAttempts
// delays have been handed out.
func (p Policy) BackOff() backoff.BackOff {
	if p.MaxAttempts <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 0
	if p.Base > 0 {
		b.InitialInterval = p.Base
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = time.Duration(math.MaxInt64)
	if p.Max > 0 {
		b.MaxInterval = p.Max
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
}

// Do calls fn until it succeeds, retryable returns false for its error, the policy is exhausted
// or ctx is done. It sleeps between attempts, so it must not be used on the server loop.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	var permanent bool
	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err != nil && retryable != nil && !retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(p.BackOff(), ctx))
	if err == nil || permanent || ctx.Err() != nil {
		return err
	}
	return errors.Join(ErrExhausted, err)
}
