// Package retry provides a bounded retry policy with an explicit backoff
// schedule and an injectable sleep function, so retry behavior is testable
// without real I/O or real sleeps.
package retry

import (
	"context"
	"time"
)

// SleepFunc blocks for d or until ctx is cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Policy describes how an operation is retried. The zero value performs a
// single attempt with no retries.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff is slept between attempts. Attempt n waits Backoff[n-1];
	// past the end of the schedule the last entry repeats.
	Backoff []time.Duration
	// Retryable reports whether an error is worth retrying. A nil
	// Retryable treats every error as permanent.
	Retryable func(err error) bool
	// Sleep defaults to a context-aware time.Sleep when nil.
	Sleep SleepFunc
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p Policy) wait(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt]
}

// Do runs op until it succeeds, fails permanently, or the attempt budget is
// spent. The error from the final attempt is returned as-is so callers can
// still classify it.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, p.wait(attempt-1)); serr != nil {
				return serr
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable == nil || !p.Retryable(err) {
			return err
		}
	}
	return err
}
