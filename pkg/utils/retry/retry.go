package retry

import (
	"context"
	"errors"
	"time"
)

// ErrRetry tells Blocking to call the task once more after backoff.
var ErrRetry = errors.New("retry")

// Backoff is a blocking function which returns when the next attempt
// may start.
//
// It returns ctx.Err() when the context is cancelled while waiting.
type Backoff func(context.Context) error

// StaticBackoff waits a fixed interval between attempts.
func StaticBackoff(interval time.Duration) Backoff {
	return ExponentialBackoff(interval, 1, 0)
}

// ExponentialBackoff waits initialInterval * r^N before the N-th attempt.
//
// When cap > 0 the interval never exceeds cap.
func ExponentialBackoff(initialInterval time.Duration, r float64, cap time.Duration) Backoff {
	interval := initialInterval
	return func(ctx context.Context) error {
		timer := time.NewTimer(interval)
		defer func() {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			next := time.Duration(float64(interval) * r)
			if cap > 0 && next > cap {
				next = cap
			}
			interval = next
			return nil
		}
	}
}

// Blocking calls f until it returns nil or a non-retry error.
//
// The first attempt happens immediately; as long as f returns an error
// matching ErrRetry, the next attempt starts after waiting on b. The
// last value of f is returned either way.
func Blocking[T any](ctx context.Context, b Backoff, f func() (T, error)) (T, error) {
	last := *new(T)
	for {
		var err error
		last, err = f()
		if err == nil {
			return last, nil
		}
		if !errors.Is(err, ErrRetry) {
			return last, err
		}

		if err := b(ctx); err != nil {
			return last, err
		}
	}
}
