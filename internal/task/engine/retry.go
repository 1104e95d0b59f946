package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryOptions is a jittered exponential backoff policy.
type RetryOptions struct {
	RetryMax      int // retries after the first attempt
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = ±20%
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.RetryMax < 0 {
		o.RetryMax = 0
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	return o
}

// Retry calls fn until it succeeds, returns a NoRetry error, the attempts
// are exhausted, or ctx is done. attempt is 1-based. It returns the number
// of attempts made and the last error, unwrapped from NoRetry.
func Retry(ctx context.Context, opt RetryOptions, fn func(ctx context.Context, attempt int) error) (int, error) {
	opt = opt.withDefaults()
	maxAttempts := 1 + opt.RetryMax

	var err error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		err = fn(ctx, attempt)
		if err == nil {
			return attempt, nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return attempt, nr.err
		}
		if attempt >= maxAttempts {
			break
		}

		delay := BackoffDelay(opt, attempt, err)
		if delay <= 0 {
			continue
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-tmr.C:
		}
	}
	return attempt, err
}

// BackoffDelay returns the wait before retry number `retry` (1-based).
// A RetryAfterError hint replaces the exponential step; both are capped
// at RetryMaxDelay and jittered.
func BackoffDelay(opt RetryOptions, retry int, err error) time.Duration {
	opt = opt.withDefaults()

	var d time.Duration
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		d = opt.RetryBase
		for i := 1; i < retry; i++ {
			d *= 2
			if d > opt.RetryMaxDelay {
				break
			}
		}
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	if d > 0 {
		r := (rand.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > opt.RetryMaxDelay {
		d = opt.RetryMaxDelay
	}
	return d
}
