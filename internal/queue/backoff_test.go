package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	cases := []struct {
		factor   float64
		max      int
		attempts int
		want     int64
	}{
		{2.0, 600, 1, 5},
		{2.0, 600, 2, 10},
		{2.0, 600, 3, 20},
		{2.0, 600, 8, 600},
		{2.0, 600, 100, 600},
		{1.0, 600, 5, 5},
		{2.0, 0, 3, 20},
		{0.5, 600, 3, 5},
		{2.0, 600, 0, 5},
	}
	for _, tc := range cases {
		got := Backoff(tc.factor, tc.max, tc.attempts)
		require.Equal(t, tc.want, got, "factor=%v max=%d attempts=%d", tc.factor, tc.max, tc.attempts)
	}
}

func TestRetryAfter(t *testing.T) {
	err := RetryAfter(15, "waiting for archive export")
	delay, ok := AsRetryAfter(err)
	require.True(t, ok)
	require.Equal(t, int64(15), delay)
	require.Equal(t, "waiting for archive export", err.Error())

	wrapped := fmt.Errorf("stage: %w", err)
	delay, ok = AsRetryAfter(wrapped)
	require.True(t, ok)
	require.Equal(t, int64(15), delay)

	_, ok = AsRetryAfter(errors.New("plain"))
	require.False(t, ok)

	delay, _ = AsRetryAfter(RetryAfter(-3, "negative clamps to zero"))
	require.Equal(t, int64(0), delay)
}
