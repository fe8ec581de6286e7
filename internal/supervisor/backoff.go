package supervisor

import (
	"math/rand"
	"sync"
	"time"
)

const (
	restartBackoffInitial = 100 * time.Millisecond
	restartBackoffMax     = 30 * time.Second
	restartBackoffFactor  = 2.0
	// restartJitterFraction adds up to ±20% random jitter to each delay so a
	// burst of crashing children does not restart in lockstep.
	restartJitterFraction = 0.2
)

// restartTracker decides whether and when a crashed child may be restarted.
// Attempts are counted over a rolling window; when the window fills up the
// tracker reports exhaustion and the record stays failed until external
// intervention. One tracker follows a package lineage across respawns.
type restartTracker struct {
	maxAttempts int
	window      time.Duration

	mu       sync.Mutex
	attempts []time.Time
	delay    time.Duration
}

func newRestartTracker(maxAttempts int, window time.Duration) *restartTracker {
	return &restartTracker{
		maxAttempts: maxAttempts,
		window:      window,
	}
}

// next records one restart attempt. It returns the delay to wait before the
// attempt and false when the rolling window is already at capacity.
func (t *restartTracker) next(now time.Time) (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Drop attempts that have aged out of the window.
	cutoff := now.Add(-t.window)
	kept := t.attempts[:0]
	for _, at := range t.attempts {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	t.attempts = kept

	if len(t.attempts) >= t.maxAttempts {
		return 0, false
	}
	t.attempts = append(t.attempts, now)

	if t.delay == 0 {
		t.delay = restartBackoffInitial
	} else {
		t.delay = time.Duration(float64(t.delay) * restartBackoffFactor)
		if t.delay > restartBackoffMax {
			t.delay = restartBackoffMax
		}
	}
	return withJitter(t.delay), true
}

// reset clears the backoff state after a clean external shutdown.
func (t *restartTracker) reset() {
	t.mu.Lock()
	t.attempts = t.attempts[:0]
	t.delay = 0
	t.mu.Unlock()
}

// withJitter spreads d by ±restartJitterFraction.
func withJitter(d time.Duration) time.Duration {
	jitter := 1 + restartJitterFraction*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
