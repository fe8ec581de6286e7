package acquire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/discovery"
	"github.com/ashby-io/ashby/internal/router"
	"github.com/ashby-io/ashby/internal/supervisor"
)

type fakeSearcher struct {
	candidates []discovery.Candidate
	err        error
}

func (s *fakeSearcher) Search(ctx context.Context, capability string, hints []string) ([]discovery.Candidate, error) {
	return s.candidates, s.err
}

// fakeSpawner scripts per-package spawn outcomes and records stops.
type fakeSpawner struct {
	mu      sync.Mutex
	nextID  int
	failFor map[string]error
	spawned []string
	stopped []string
	// onSpawn, when set, runs after a successful spawn (e.g. to make the
	// capability appear in the registry).
	onSpawn func(pkg, serverID string)
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{failFor: map[string]error{}}
}

func (s *fakeSpawner) Spawn(ctx context.Context, spec supervisor.PackageSpec) (string, error) {
	s.mu.Lock()
	if err, ok := s.failFor[spec.Name]; ok {
		s.mu.Unlock()
		return "", err
	}
	s.nextID++
	id := fmt.Sprintf("srv-%d", s.nextID)
	s.spawned = append(s.spawned, spec.Name)
	onSpawn := s.onSpawn
	s.mu.Unlock()

	if onSpawn != nil {
		onSpawn(spec.Name, id)
	}
	return id, nil
}

func (s *fakeSpawner) Stop(ctx context.Context, id string, mode supervisor.StopMode) error {
	s.mu.Lock()
	s.stopped = append(s.stopped, id)
	s.mu.Unlock()
	return nil
}

func (s *fakeSpawner) stoppedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

// fakeProviderRegistry resolves a capability once it has been marked present.
type fakeProviderRegistry struct {
	mu      sync.Mutex
	present map[string]string // capability → serverID
	changed chan struct{}
}

func newFakeProviderRegistry() *fakeProviderRegistry {
	return &fakeProviderRegistry{
		present: map[string]string{},
		changed: make(chan struct{}),
	}
}

func (r *fakeProviderRegistry) provide(capability, serverID string) {
	r.mu.Lock()
	r.present[capability] = serverID
	old := r.changed
	r.changed = make(chan struct{})
	r.mu.Unlock()
	close(old)
}

func (r *fakeProviderRegistry) Resolve(capability string) (router.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.present[capability]; ok {
		return router.Provider{ServerID: id, Tool: capability}, nil
	}
	return router.Provider{}, router.ErrNoProvider
}

func (r *fakeProviderRegistry) Changed() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changed
}

func startBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func candidates(names ...string) []discovery.Candidate {
	out := make([]discovery.Candidate, 0, len(names))
	for i, name := range names {
		out = append(out, discovery.Candidate{Package: name, Version: "1.0.0", Score: float64(10 - i)})
	}
	return out
}

func TestAcquireHappyPath(t *testing.T) {
	t.Parallel()
	reg := newFakeProviderRegistry()
	spawner := newFakeSpawner()
	spawner.onSpawn = func(pkg, serverID string) {
		reg.provide("weather", serverID)
	}
	c := New(&fakeSearcher{candidates: candidates("mcp-weather")}, spawner, reg, startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(context.Background(), "weather")
	require.NoError(t, err)
	require.Equal(t, JobSucceeded, job.State)
	require.Equal(t, "mcp-weather", job.Chosen)
	require.Equal(t, "srv-1", job.ServerID)
	require.False(t, job.FinishedAt.IsZero())
	require.Empty(t, spawner.stoppedIDs())
}

func TestAcquireNoCandidates(t *testing.T) {
	t.Parallel()
	c := New(&fakeSearcher{}, newFakeSpawner(), newFakeProviderRegistry(), startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(context.Background(), "antigravity")
	require.ErrorIs(t, err, ErrNoCandidates)
	require.Equal(t, JobFailed, job.State)
	require.NotEmpty(t, job.Error)
}

func TestAcquireSearchError(t *testing.T) {
	t.Parallel()
	c := New(&fakeSearcher{err: errors.New("registry down")}, newFakeSpawner(), newFakeProviderRegistry(), startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(context.Background(), "weather")
	require.Error(t, err)
	require.Equal(t, JobFailed, job.State)
}

func TestAcquireFallsThroughFailedCandidates(t *testing.T) {
	t.Parallel()
	reg := newFakeProviderRegistry()
	spawner := newFakeSpawner()
	spawner.failFor["best-but-broken"] = supervisor.ErrSpawn
	spawner.onSpawn = func(pkg, serverID string) {
		reg.provide("weather", serverID)
	}
	c := New(&fakeSearcher{candidates: candidates("best-but-broken", "second-choice")}, spawner, reg, startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(context.Background(), "weather")
	require.NoError(t, err)
	require.Equal(t, "second-choice", job.Chosen)
}

func TestAcquireTriesAtMostThreeCandidates(t *testing.T) {
	t.Parallel()
	spawner := newFakeSpawner()
	for _, name := range []string{"a", "b", "c", "d"} {
		spawner.failFor[name] = supervisor.ErrSpawn
	}
	c := New(&fakeSearcher{candidates: candidates("a", "b", "c", "d")}, spawner, newFakeProviderRegistry(), startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(context.Background(), "weather")
	require.ErrorIs(t, err, ErrAllCandidatesFailed)
	require.Equal(t, JobFailed, job.State)
	// The fourth candidate must never be attempted.
	require.Equal(t, "c", job.Chosen)
}

func TestAcquireRollsBackSpawnWithoutProvider(t *testing.T) {
	t.Parallel()
	// The spawn succeeds but the capability never appears in the registry.
	spawner := newFakeSpawner()
	c := New(&fakeSearcher{candidates: candidates("mcp-silent")}, spawner, newFakeProviderRegistry(), startBus(t), 50*time.Millisecond, zap.NewNop())

	job, err := c.Acquire(context.Background(), "weather")
	require.ErrorIs(t, err, ErrAllCandidatesFailed)
	require.Equal(t, JobFailed, job.State)
	require.Equal(t, []string{"srv-1"}, spawner.stoppedIDs(), "orphan spawn must be rolled back")
}

func TestAcquireCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	spawner := newFakeSpawner()
	c := New(&fakeSearcher{candidates: candidates("mcp-weather")}, spawner, newFakeProviderRegistry(), startBus(t), time.Second, zap.NewNop())

	job, err := c.Acquire(ctx, "weather")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, JobCancelled, job.State)
	require.Empty(t, spawner.spawned)
}

func TestAcquirePublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	b := startBus(t)
	events, cancelSub := b.Subscribe()
	t.Cleanup(cancelSub)

	reg := newFakeProviderRegistry()
	spawner := newFakeSpawner()
	spawner.onSpawn = func(pkg, serverID string) {
		reg.provide("weather", serverID)
	}
	c := New(&fakeSearcher{candidates: candidates("mcp-weather")}, spawner, reg, b, time.Second, zap.NewNop())

	// Give the subscription time to register with the bus loop.
	require.Eventually(t, func() bool {
		b.Publish(bus.Event{Type: bus.EventType("subscription-sync")})
		select {
		case <-events:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	_, err := c.Acquire(context.Background(), "weather")
	require.NoError(t, err)

	var types []bus.EventType
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			if ev.Type == bus.AcquisitionStarted || ev.Type == bus.AcquisitionSucceeded {
				types = append(types, ev.Type)
			}
		case <-deadline:
			t.Fatalf("timed out, saw %v", types)
		}
	}
	require.Equal(t, []bus.EventType{bus.AcquisitionStarted, bus.AcquisitionSucceeded}, types)
}
