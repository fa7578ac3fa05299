//go:build unit

package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{name: "first attempt is the base", base: 100 * time.Millisecond, attempt: 0, want: 100 * time.Millisecond},
		{name: "doubles per attempt", base: 100 * time.Millisecond, attempt: 3, want: 800 * time.Millisecond},
		{name: "negative attempt treated as zero", base: time.Second, attempt: -5, want: time.Second},
		{name: "zero base yields zero", base: 0, attempt: 4, want: 0},
		{name: "negative base yields zero", base: -time.Second, attempt: 2, want: 0},
		{name: "overflow saturates", base: time.Hour, attempt: 62, want: time.Duration(math.MaxInt64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, Exponential(tt.base, tt.attempt))
		})
	}
}

func TestFullJitter(t *testing.T) {
	t.Parallel()

	require.Zero(t, FullJitter(0))
	require.Zero(t, FullJitter(-time.Second))

	for range 100 {
		jittered := FullJitter(time.Second)
		require.GreaterOrEqual(t, jittered, time.Duration(0))
		require.Less(t, jittered, time.Second)
	}
}

func TestExponentialWithJitter(t *testing.T) {
	t.Parallel()

	for range 100 {
		jittered := ExponentialWithJitter(100*time.Millisecond, 2)
		require.GreaterOrEqual(t, jittered, time.Duration(0))
		require.Less(t, jittered, 400*time.Millisecond)
	}
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	t.Run("zero duration returns immediately", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, SleepWithContext(context.Background(), 0))
	})

	t.Run("completes short sleep", func(t *testing.T) {
		t.Parallel()

		require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := SleepWithContext(ctx, time.Hour)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0

	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	t.Parallel()

	calls := 0

	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	t.Parallel()

	lastErr := errors.New("still down")
	calls := 0

	err := Retry(context.Background(), 3, time.Millisecond, func(context.Context) error {
		calls++

		return lastErr
	})
	require.ErrorIs(t, err, lastErr)
	require.Equal(t, 3, calls)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	t.Parallel()

	calls := 0

	err := Retry(context.Background(), 0, time.Millisecond, func(context.Context) error {
		calls++

		return errors.New("boom")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetry_PermanentStopsEarly(t *testing.T) {
	t.Parallel()

	rejected := errors.New("payload rejected")
	calls := 0

	err := Retry(context.Background(), 5, time.Millisecond, func(context.Context) error {
		calls++

		return Permanent(rejected)
	})
	require.ErrorIs(t, err, rejected)
	require.Equal(t, 1, calls)
}

func TestPermanent_NilPassesThrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, Permanent(nil))

	wrapped := Permanent(errors.New("boom"))
	require.EqualError(t, wrapped, "boom")
}

func TestRetry_CancelledBetweenAttempts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := Retry(ctx, 3, time.Hour, func(context.Context) error {
		calls++
		cancel()

		return errors.New("transient")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
