// Package backoff provides retry delay strategies and a small context-aware retry loop.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Exponential doubles the delay each attempt, capped at Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

func (e *Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(attempt-1)))
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// Jittered adds up to 20% random jitter on top of an exponential base.
type Jittered struct {
	Exponential
}

func NewJittered(initial, maxDelay time.Duration) *Jittered {
	return &Jittered{Exponential{Initial: initial, Max: maxDelay}}
}

func (j *Jittered) Delay(attempt int) time.Duration {
	d := j.Exponential.Delay(attempt)
	if span := int64(d) / 5; span > 0 {
		d += time.Duration(rand.Int64N(span + 1)) //nolint:gosec // jitter
	}
	return d
}

// Retry runs fn up to 1+retries times, sleeping per s between attempts.
// It stops early when ctx is done or fn succeeds, and returns the last error.
// onRetry (optional) is called before each sleep.
func Retry(ctx context.Context, retries int, s Strategy, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	if retries < 0 {
		retries = 0
	}
	var last error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := s.Delay(attempt)
			if onRetry != nil {
				onRetry(attempt, delay, last)
			}
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return last
			case <-t.C:
			}
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return last
		}
	}
	return last
}
