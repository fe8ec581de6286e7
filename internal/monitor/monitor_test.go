package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/acquire"
)

// fakeRegistry is a mutable capability set.
type fakeRegistry struct {
	mu   sync.Mutex
	caps []string
}

func (r *fakeRegistry) set(caps ...string) {
	r.mu.Lock()
	r.caps = caps
	r.mu.Unlock()
}

func (r *fakeRegistry) Capabilities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.caps...)
}

// fakeAcquirer records acquisition requests and blocks each one until
// released, so tests can hold jobs in flight deterministically.
type fakeAcquirer struct {
	mu      sync.Mutex
	started []string
	release chan struct{}
	err     error
}

func newFakeAcquirer() *fakeAcquirer {
	return &fakeAcquirer{release: make(chan struct{})}
}

func (a *fakeAcquirer) Acquire(ctx context.Context, capability string) (acquire.Job, error) {
	a.mu.Lock()
	a.started = append(a.started, capability)
	err := a.err
	a.mu.Unlock()

	select {
	case <-a.release:
	case <-ctx.Done():
		return acquire.Job{}, ctx.Err()
	}
	if err != nil {
		return acquire.Job{}, err
	}
	return acquire.Job{Capability: capability, State: acquire.JobSucceeded}, nil
}

func (a *fakeAcquirer) startedCaps() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.started...)
}

func newTestMonitor(reg Registry, acq Acquirer, enabled bool) *Monitor {
	return New(time.Hour, 3, enabled, reg, acq, zap.NewNop())
}

func TestRequireReportsGap(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	reg.set("weather")
	m := newTestMonitor(reg, newFakeAcquirer(), false)

	gap := m.Require([]string{"weather", "blockchain"})

	require.ElementsMatch(t, []string{"weather", "blockchain"}, gap.Required)
	require.Equal(t, []string{"blockchain"}, gap.Missing)
	require.Empty(t, gap.InFlight)
}

func TestRequireDeduplicates(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(&fakeRegistry{}, newFakeAcquirer(), false)

	m.Require([]string{"weather", "weather", ""})
	gap := m.Require([]string{"weather"})

	require.Equal(t, []string{"weather"}, gap.Required)
}

func TestTickDispatchesMissingCapabilities(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	acq := newFakeAcquirer()
	m := newTestMonitor(reg, acq, true)

	m.Require([]string{"weather", "blockchain"})
	m.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	require.ElementsMatch(t, []string{"weather", "blockchain"}, acq.startedCaps())

	require.Equal(t, string(StateActing), m.Status().State)
	close(acq.release)
}

func TestTickSingleFlightPerCapability(t *testing.T) {
	t.Parallel()
	acq := newFakeAcquirer()
	m := newTestMonitor(&fakeRegistry{}, acq, true)

	m.Require([]string{"weather"})
	m.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Racing ticks while the job is in flight must not start a second one.
	m.tick(context.Background())
	m.tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, acq.startedCaps(), 1)

	close(acq.release)
}

func TestTickRespectsConcurrencyBudget(t *testing.T) {
	t.Parallel()
	acq := newFakeAcquirer()
	m := New(time.Hour, 2, true, &fakeRegistry{}, acq, zap.NewNop())

	m.Require([]string{"a", "b", "c", "d"})
	m.tick(context.Background())

	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, acq.startedCaps(), 2, "budget of 2 must cap the dispatch")

	close(acq.release)
}

func TestTickSkipsSatisfiedCapabilities(t *testing.T) {
	t.Parallel()
	reg := &fakeRegistry{}
	reg.set("weather")
	acq := newFakeAcquirer()
	m := newTestMonitor(reg, acq, true)

	m.Require([]string{"weather"})
	m.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, acq.startedCaps(), "satisfied capability must not trigger acquisition")
}

func TestDisabledMonitorDoesNothing(t *testing.T) {
	t.Parallel()
	acq := newFakeAcquirer()
	m := newTestMonitor(&fakeRegistry{}, acq, false)

	m.Require([]string{"weather"})
	m.tick(context.Background())

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, acq.startedCaps())
	require.Equal(t, string(StateIdle), m.Status().State)

	m.Enable()
	m.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	close(acq.release)
}

func TestFailedAcquisitionBacksOff(t *testing.T) {
	t.Parallel()
	acq := newFakeAcquirer()
	acq.err = errors.New("registry unreachable")
	close(acq.release) // fail immediately

	m := newTestMonitor(&fakeRegistry{}, acq, true)
	m.Require([]string{"weather"})

	m.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Wait for the failure to settle, then tick inside the backoff window:
	// no new attempt.
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.inFlight) == 0
	}, 2*time.Second, 10*time.Millisecond)

	m.tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Len(t, acq.startedCaps(), 1, "retry must wait out the backoff")

	// Force the backoff to expire and verify the retry happens.
	m.mu.Lock()
	m.retries["weather"].nextTry = time.Now().Add(-time.Second)
	m.mu.Unlock()

	m.tick(context.Background())
	require.Eventually(t, func() bool {
		return len(acq.startedCaps()) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStatusCountsChecks(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(&fakeRegistry{}, newFakeAcquirer(), true)

	require.Zero(t, m.Status().Checks)
	m.tick(context.Background())
	m.tick(context.Background())
	require.Equal(t, int64(2), m.Status().Checks)
	require.Equal(t, time.Hour.Milliseconds(), m.Status().IntervalMS)
	require.True(t, m.Status().Running)
}
