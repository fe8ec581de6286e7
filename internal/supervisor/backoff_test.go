package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRestartDelayGrowsExponentially(t *testing.T) {
	t.Parallel()
	tr := newRestartTracker(10, time.Minute)
	now := time.Now()

	var last time.Duration
	for i := 0; i < 5; i++ {
		delay, ok := tr.next(now)
		require.True(t, ok)

		want := restartBackoffInitial << i
		// Jitter spreads each delay by up to ±20%.
		require.InDelta(t, float64(want), float64(delay), float64(want)*restartJitterFraction+1)
		require.Greater(t, delay, last/2, "delays must trend upward")
		last = delay
		now = now.Add(time.Second)
	}
}

func TestRestartDelayCapped(t *testing.T) {
	t.Parallel()
	tr := newRestartTracker(100, time.Hour)
	now := time.Now()

	var delay time.Duration
	for i := 0; i < 20; i++ {
		delay, _ = tr.next(now)
		now = now.Add(time.Second)
	}
	max := time.Duration(float64(restartBackoffMax) * (1 + restartJitterFraction))
	require.LessOrEqual(t, delay, max)
}

func TestRestartWindowExhaustion(t *testing.T) {
	t.Parallel()
	tr := newRestartTracker(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, ok := tr.next(now.Add(time.Duration(i) * time.Second))
		require.True(t, ok, "attempt %d should be allowed", i+1)
	}

	_, ok := tr.next(now.Add(4 * time.Second))
	require.False(t, ok, "fourth attempt inside the window must be refused")
}

func TestRestartWindowSlides(t *testing.T) {
	t.Parallel()
	tr := newRestartTracker(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, ok := tr.next(now)
		require.True(t, ok)
	}
	_, ok := tr.next(now)
	require.False(t, ok)

	// Once the earlier attempts age out, restarts are allowed again.
	later := now.Add(time.Minute + time.Second)
	_, ok = tr.next(later)
	require.True(t, ok)
}

func TestRestartResetClearsState(t *testing.T) {
	t.Parallel()
	tr := newRestartTracker(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		tr.next(now)
	}
	_, ok := tr.next(now)
	require.False(t, ok)

	tr.reset()

	delay, ok := tr.next(now)
	require.True(t, ok)
	maxFirst := time.Duration(float64(restartBackoffInitial) * (1 + restartJitterFraction))
	require.LessOrEqual(t, delay, maxFirst, "backoff must restart from the initial delay")
}
