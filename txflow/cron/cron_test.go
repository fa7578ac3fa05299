//go:build unit

package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParse_InvalidExpressions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
	}{
		{name: "empty", expr: ""},
		{name: "whitespace only", expr: "   "},
		{name: "too few fields", expr: "* * * *"},
		{name: "too many fields", expr: "* * * * * *"},
		{name: "non-numeric value", expr: "x * * * *"},
		{name: "minute out of range", expr: "60 * * * *"},
		{name: "hour out of range", expr: "0 24 * * *"},
		{name: "day of month zero", expr: "0 0 0 * *"},
		{name: "month out of range", expr: "0 0 * 13 *"},
		{name: "day of week out of range", expr: "0 0 * * 7"},
		{name: "zero step", expr: "*/0 * * * *"},
		{name: "negative step", expr: "*/-5 * * * *"},
		{name: "reversed range", expr: "30-10 * * * *"},
		{name: "range out of bounds", expr: "50-70 * * * *"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tt.expr)
			require.ErrorIs(t, err, ErrInvalidExpression)
		})
	}
}

func TestSchedule_Next(t *testing.T) {
	t.Parallel()

	// Wednesday.
	from := time.Date(2025, time.March, 12, 10, 7, 30, 0, time.UTC)

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{
			name: "every minute",
			expr: "* * * * *",
			want: time.Date(2025, time.March, 12, 10, 8, 0, 0, time.UTC),
		},
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			want: time.Date(2025, time.March, 12, 10, 10, 0, 0, time.UTC),
		},
		{
			name: "daily at noon",
			expr: "0 12 * * *",
			want: time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "rolls over to the next day",
			expr: "0 9 * * *",
			want: time.Date(2025, time.March, 13, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "specific day of month",
			expr: "30 9 15 * *",
			want: time.Date(2025, time.March, 15, 9, 30, 0, 0, time.UTC),
		},
		{
			name: "next sunday at midnight",
			expr: "0 0 * * 0",
			want: time.Date(2025, time.March, 16, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "minute list",
			expr: "0,30 * * * *",
			want: time.Date(2025, time.March, 12, 10, 30, 0, 0, time.UTC),
		},
		{
			name: "hour range",
			expr: "0 9-17 * * *",
			want: time.Date(2025, time.March, 12, 11, 0, 0, 0, time.UTC),
		},
		{
			name: "month rollover",
			expr: "0 0 1 4 *",
			want: time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sched, err := Parse(tt.expr)
			require.NoError(t, err)

			next, err := sched.Next(from)
			require.NoError(t, err)
			require.Equal(t, tt.want, next)
		})
	}
}

func TestSchedule_NextAlwaysAdvances(t *testing.T) {
	t.Parallel()

	sched, err := Parse("* * * * *")
	require.NoError(t, err)

	// An exact on-the-minute reference still moves forward.
	from := time.Date(2025, time.March, 12, 10, 0, 0, 0, time.UTC)

	next, err := sched.Next(from)
	require.NoError(t, err)
	require.Equal(t, from.Add(time.Minute), next)
}

func TestSchedule_NextNormalizesToUTC(t *testing.T) {
	t.Parallel()

	sched, err := Parse("0 12 * * *")
	require.NoError(t, err)

	zone := time.FixedZone("UTC+3", 3*60*60)
	from := time.Date(2025, time.March, 12, 13, 0, 0, 0, zone)

	next, err := sched.Next(from)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, time.March, 12, 12, 0, 0, 0, time.UTC), next)
}

func TestSchedule_NilReceiver(t *testing.T) {
	t.Parallel()

	var sched *schedule

	_, err := sched.Next(time.Now())
	require.ErrorIs(t, err, ErrNilSchedule)
}
