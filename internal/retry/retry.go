// Package retry runs an operation again after transient failures, waiting
// an exponentially growing delay between attempts.
package retry

import (
	"context"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Attempts   int           // total tries, including the first one
	Initial    time.Duration // delay before the second try
	Max        time.Duration // cap for any single delay
	Multiplier float64
}

// DefaultPolicy is used by components that are not given one.
var DefaultPolicy = Policy{
	Attempts:   4,
	Initial:    25 * time.Millisecond,
	Max:        time.Second,
	Multiplier: 2,
}

// Do calls fn until it succeeds, returns an error for which retryable is
// false, the attempts are exhausted, or ctx is done. The last error from fn
// is returned.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	delay := p.Initial

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return err
			case <-timer.C:
			}
			delay = p.next(delay)
		}

		err = fn(ctx)
		if err == nil || retryable == nil || !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}

func (p Policy) next(d time.Duration) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	d = time.Duration(float64(d) * m)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}
