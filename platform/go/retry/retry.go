package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff. It is shared by the provisioning
// orchestrator, the outbox publisher and the connection resolver so every layer that
// owns a resource retries it the same way.
type Policy struct {
	MaxAttempts     int           // total attempts including the first; <=0 means 1
	InitialInterval time.Duration // delay before the second attempt
	MaxInterval     time.Duration // cap for a single delay
	Multiplier      float64       // growth factor between delays
	Jitter          float64       // randomization factor in [0,1)
}

// DefaultPolicy is used when a component is configured with a zero Policy.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2,
	Jitter:          0.2,
}

// OrDefault returns p, or DefaultPolicy when p is the zero value.
func (p Policy) OrDefault() Policy {
	if p == (Policy{}) {
		return DefaultPolicy
	}
	return p
}

func (p Policy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	b.RandomizationFactor = p.Jitter
	// attempts bound the loop, not wall time
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay returns the wait before attempt n+1 after n failed attempts (n >= 1),
// without jitter. Used where the retry is scheduled rather than slept.
func (p Policy) Delay(n int) time.Duration {
	p = p.OrDefault()
	d := p.InitialInterval
	if d <= 0 {
		d = DefaultPolicy.InitialInterval
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = DefaultPolicy.Multiplier
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	if p.MaxInterval > 0 && d > p.MaxInterval {
		return p.MaxInterval
	}
	return d
}

// Exhausted reports whether n attempts use up the policy.
func (p Policy) Exhausted(n int) bool {
	return n >= p.OrDefault().attempts()
}

// ErrExhausted wraps the last error once all attempts were consumed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Classifier decides whether an error is worth another attempt.
type Classifier func(error) bool

// Notify is invoked after each failed attempt that will be retried.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a non-retryable error, the policy is
// exhausted, or ctx is done. On exhaustion the returned error wraps both
// ErrExhausted and the last failure.
func Do(ctx context.Context, p Policy, retryable Classifier, fn func(ctx context.Context) error, notify Notify) error {
	p = p.OrDefault()
	attempts := p.attempts()

	b := backoff.WithContext(backoff.WithMaxRetries(p.exponential(), uint64(attempts-1)), ctx)

	attempt := 0
	var last error
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(err)
		}
		if retryable != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempt, err, wait)
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && last == nil {
		return ctx.Err()
	}
	if attempt >= attempts && (retryable == nil || retryable(last)) {
		return &ExhaustedError{Attempts: attempt, Err: last}
	}
	return err
}

// ExhaustedError carries the attempt count alongside the final failure.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.Err.Error()
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}
