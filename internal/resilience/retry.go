package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Schedule decides how many times an operation runs and how long to pause
// between runs.
type Schedule interface {
	// Attempts is the total number of runs, including the first.
	Attempts() int
	// Wait is the pause after the given failed attempt (0-based).
	Wait(failed int) time.Duration
}

// Exponential is a Schedule of Base * Factor^n, capped at Max, with a ±
// Jitter fraction applied.
type Exponential struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64
}

// Attempts implements Schedule.
func (e Exponential) Attempts() int { return e.MaxAttempts }

// Wait implements Schedule.
func (e Exponential) Wait(failed int) time.Duration {
	factor := e.Factor
	if factor <= 0 {
		factor = 1
	}
	d := float64(e.Base) * math.Pow(factor, float64(failed))
	if e.Max > 0 && d > float64(e.Max) {
		d = float64(e.Max)
	}
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	return Jitter(time.Duration(d), e.Jitter)
}

// Jitter spreads d uniformly over ±fraction of itself.
func Jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * fraction
	out := float64(d) + (rand.Float64()*2-1)*spread
	if out < 0 {
		return 0
	}
	return time.Duration(out)
}

// RetryOption tunes Retry.
type RetryOption func(*retryOpts)

type retryOpts struct {
	retryable func(error) bool
	onRetry   func(attempt int, err error, wait time.Duration)
}

// RetryIf replaces the default IsTransient predicate. Permanent errors are
// never retried regardless.
func RetryIf(fn func(error) bool) RetryOption {
	return func(o *retryOpts) { o.retryable = fn }
}

// OnRetry is called before each pause with the 1-based number of the
// attempt that failed.
func OnRetry(fn func(attempt int, err error, wait time.Duration)) RetryOption {
	return func(o *retryOpts) { o.onRetry = fn }
}

// Retry runs fn until it succeeds, fails with a non-retryable error, the
// schedule runs out or ctx ends. The last error is returned.
func Retry[T any](ctx context.Context, s Schedule, fn func(ctx context.Context) (T, error), opts ...RetryOption) (T, error) {
	o := retryOpts{retryable: IsTransient}
	for _, opt := range opts {
		opt(&o)
	}
	attempts := s.Attempts()
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for n := 0; ; n++ {
		val, err := fn(ctx)
		switch {
		case err == nil:
			return val, nil
		case ctx.Err() != nil, IsPermanent(err), !o.retryable(err), n == attempts-1:
			return zero, err
		}

		wait := s.Wait(n)
		if o.onRetry != nil {
			o.onRetry(n+1, err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

// RetryErr is Retry for functions without a result.
func RetryErr(ctx context.Context, s Schedule, fn func(ctx context.Context) error, opts ...RetryOption) error {
	_, err := Retry(ctx, s, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, opts...)
	return err
}

// LogRetries returns an OnRetry option that logs each retry.
func LogRetries(service, operation string) RetryOption {
	return OnRetry(func(attempt int, err error, wait time.Duration) {
		zap.L().Warn("resilience: retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}
