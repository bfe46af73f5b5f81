// Package backoff provides the retry policy shared by every remote-dependency
// bootstrap (graph store, redis, agent registration).
package backoff

import (
	"context"
	"errors"
	"math"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// Policy decides how long to wait after a failed attempt and when to give up.
// Attempts are 1-based: NextDelay(1) is the wait after the first failure.
type Policy interface {
	NextDelay(attempt int) time.Duration
	Exhausted(attempt int) bool
}

// Exponential grows the delay multiplicatively from Initial.
type Exponential struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration // per-delay cap, 0 disables
	MaxAttempts int           // 0 retries forever
}

// Default returns the store-connect policy: 2s initial delay, x1.5 growth, 30 attempts.
func Default() Exponential {
	return Exponential{Initial: 2 * time.Second, Multiplier: 1.5, MaxAttempts: 30}
}

// NextDelay implements Policy.
func (e Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(e.Initial) * math.Pow(mult, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted implements Policy.
func (e Exponential) Exhausted(attempt int) bool {
	return e.MaxAttempts > 0 && attempt >= e.MaxAttempts
}

// Permanent wraps err so Retry stops immediately and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return cbackoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var perm *cbackoff.PermanentError
	return errors.As(err, &perm)
}

// Notify is called after every failed attempt that will be retried.
type Notify func(err error, attempt int, next time.Duration)

// Retry runs op until it succeeds, returns a permanent error, the policy is
// exhausted (the last error is returned) or ctx is done.
func Retry(ctx context.Context, p Policy, op func(ctx context.Context) error, notify Notify) error {
	if p == nil {
		p = Default()
	}
	b := &policyBackOff{policy: p}
	return cbackoff.RetryNotify(func() error {
		return op(ctx)
	}, cbackoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if notify != nil {
			notify(err, b.attempt, next)
		}
	})
}

// policyBackOff adapts a Policy to the cenkalti BackOff contract.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.policy.Exhausted(b.attempt) {
		return cbackoff.Stop
	}
	return b.policy.NextDelay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }
