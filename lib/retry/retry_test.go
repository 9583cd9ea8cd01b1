package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func fakeSleep(slept *[]time.Duration) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 4,
		Backoff:     []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Sleep:       fakeSleep(&slept),
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestExhaustsBudget(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second, 2 * time.Second},
		Retryable:   func(err error) bool { return true },
		Sleep:       fakeSleep(&slept),
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestPermanentErrorStopsImmediately(t *testing.T) {
	permanent := errors.New("constraint violated")
	p := Policy{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestBackoffSchedulePastEndRepeats(t *testing.T) {
	var slept []time.Duration
	p := Policy{
		MaxAttempts: 5,
		Backoff:     []time.Duration{time.Second, 2 * time.Second},
		Retryable:   func(err error) bool { return true },
		Sleep:       fakeSleep(&slept),
	}

	_ = p.Do(context.Background(), func(ctx context.Context) error {
		return errTransient
	})
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 2 * time.Second, 2 * time.Second,
	}, slept)
}

func TestCancelledContextStopsBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{
		MaxAttempts: 3,
		Backoff:     []time.Duration{time.Second},
		Retryable:   func(err error) bool { return true },
	}

	calls := 0
	err := p.Do(ctx, func(ctx context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestZeroValueRunsOnce(t *testing.T) {
	calls := 0
	err := Policy{}.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}
