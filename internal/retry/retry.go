// Package retry wraps fallible remote calls with a bounded number of retries.
//
// The operation must be safe to invoke again after a failure. Callers of the
// generative model accept that each attempt may produce different content.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures one call site. It is not persisted.
type Policy struct {
	// Retries is the number of attempts after the first one. Zero means the
	// operation runs exactly once.
	Retries int
	// Delay is the wait between attempts. With Exponential it is the initial
	// interval.
	Delay time.Duration
	// Exponential grows the delay between attempts instead of keeping it fixed.
	Exponential bool
	// OnRetry observes every failure that will be retried.
	OnRetry func(err error, attempt int, wait time.Duration)
	// Retryable decides whether err is worth another attempt. Nil retries
	// every error. A non-retryable error is returned immediately and unchanged.
	Retryable func(err error) bool
}

// Func is the shape WithRetry wraps.
type Func[In, Out any] func(ctx context.Context, in In) (Out, error)

// WithRetry returns op wrapped with p. The wrapped function has the same
// signature as op. Waits between attempts are timer based and end early when
// ctx is cancelled, in which case the context error is returned.
func WithRetry[In, Out any](op Func[In, Out], p Policy) Func[In, Out] {
	return func(ctx context.Context, in In) (Out, error) {
		attempt := 0
		operation := func() (Out, error) {
			attempt++
			out, err := op(ctx, in)
			if err != nil && p.Retryable != nil && !p.Retryable(err) {
				return out, backoff.Permanent(err)
			}
			return out, err
		}

		var notify backoff.Notify
		if p.OnRetry != nil {
			notify = func(err error, wait time.Duration) {
				p.OnRetry(err, attempt, wait)
			}
		}

		return backoff.RetryNotifyWithData(operation, p.backOff(ctx), notify)
	}
}

// Do runs op under p. It is WithRetry for operations without input or result.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	wrapped := WithRetry(func(ctx context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, p)
	_, err := wrapped(ctx, struct{}{})
	return err
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff
	if p.Exponential {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Delay
		eb.MaxElapsedTime = 0
		b = eb
	} else {
		b = backoff.NewConstantBackOff(p.Delay)
	}

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}
