// Package supervisor owns every child tool-server process: it installs the
// backing package, launches the child with piped stdio, performs the JSON-RPC
// handshake, monitors the process, restarts it on abnormal exit within a
// bounded budget, and tears it down on stop.
//
// The supervisor is the only module allowed to launch subprocesses. All other
// components hold serverIDs and observe lifecycle transitions through the
// event bus; nobody else ever touches a pipe or a PID.
//
// All state is in-memory and intentionally non-persistent: on orchestrator
// restart the installed packages are still on disk (the package manager's
// concern) but every server is rediscovered and respawned from scratch.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/jsonrpc"
	"github.com/ashby-io/ashby/internal/transport"
)

var (
	// ErrSpawn wraps child launch failures (pipes, exec, resolve).
	ErrSpawn = errors.New("supervisor: spawn failed")

	// ErrHandshakeTimeout is returned when a child starts but never
	// completes the initialize exchange. The child is terminated and no
	// server record remains.
	ErrHandshakeTimeout = errors.New("supervisor: handshake timed out")

	// ErrNotFound is returned by Get and Client for unknown server ids.
	ErrNotFound = errors.New("supervisor: server not found")

	// ErrShuttingDown rejects spawns issued during supervisor shutdown.
	ErrShuttingDown = errors.New("supervisor: shutting down")
)

// StopMode selects how much patience Stop has with the child.
type StopMode string

const (
	// StopGraceful closes the child's stdin and waits before escalating to
	// signals. This is the mode used for normal shutdown.
	StopGraceful StopMode = "graceful"

	// StopImmediate skips straight to signal-terminate.
	StopImmediate StopMode = "immediate"
)

const (
	// stopGrace is how long a graceful stop waits after closing stdin
	// before escalating to SIGTERM.
	stopGrace = 5 * time.Second

	// termGrace is how long either mode waits after SIGTERM before SIGKILL.
	termGrace = 2 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	InstallDir         string
	InstallTimeout     time.Duration
	HandshakeTimeout   time.Duration
	RestartMaxAttempts int
	RestartWindow      time.Duration
	MaxChildMemory     uint64
	MaxChildCPUPct     float64
	// ChildEnv holds extra KEY=VALUE entries merged into each child's
	// otherwise-clean environment.
	ChildEnv []string
}

// Supervisor manages the full set of child server processes. Safe for
// concurrent use; create with New.
type Supervisor struct {
	opts      Options
	installer *installer
	events    *bus.Bus
	limits    *limitWatcher
	logger    *zap.Logger

	mu      sync.RWMutex
	records map[string]*serverRecord

	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// New creates a Supervisor. The bus must be running before the first Spawn so
// lifecycle events are not lost.
func New(opts Options, events *bus.Bus, logger *zap.Logger) *Supervisor {
	logger = logger.Named("supervisor")
	return &Supervisor{
		opts:      opts,
		installer: newInstaller(opts.InstallDir, opts.InstallTimeout, logger),
		events:    events,
		limits: &limitWatcher{
			maxMemoryBytes: opts.MaxChildMemory,
			maxCPUPct:      opts.MaxChildCPUPct,
			interval:       limitSampleInterval,
			logger:         logger,
		},
		logger:   logger,
		records:  make(map[string]*serverRecord),
		shutdown: make(chan struct{}),
	}
}

// Spawn installs the package if needed, launches the child, performs the
// handshake and returns the new server id. The record is listed with status
// installing while the package manager runs. Any step's failure rolls the
// whole operation back: the process (if started) is terminated, pipes are
// closed and no running record remains.
func (s *Supervisor) Spawn(ctx context.Context, spec PackageSpec) (string, error) {
	select {
	case <-s.shutdown:
		return "", ErrShuttingDown
	default:
	}

	rec := &serverRecord{
		id:     uuid.NewString(),
		spec:   spec,
		exited: make(chan struct{}),
	}
	rec.status = StatusInstalling
	s.mu.Lock()
	s.records[rec.id] = rec
	s.mu.Unlock()

	if err := s.installer.ensure(ctx, spec); err != nil {
		s.discard(rec)
		s.logger.Error("install failed",
			zap.String("package", spec.String()),
			zap.Error(err))
		s.events.Publish(bus.Event{
			Type:     bus.ServerFailed,
			ServerID: rec.id,
			Package:  spec.Name,
			Reason:   "install: " + err.Error(),
		})
		return "", err
	}
	if rec.stopWasRequested() {
		s.discard(rec)
		return "", fmt.Errorf("%w: stopped during install", ErrSpawn)
	}

	tracker := newRestartTracker(s.opts.RestartMaxAttempts, s.opts.RestartWindow)
	return s.launch(ctx, rec, tracker)
}

// launch runs one spawn attempt for an already-installed package: resolve
// command, start the process, wire the transport and client, and complete the
// handshake. The caller provides the record; Spawn hands over its installing
// record, restarts bring a fresh one.
func (s *Supervisor) launch(ctx context.Context, rec *serverRecord, tracker *restartTracker) (string, error) {
	spec := rec.spec

	command, args, err := s.installer.resolve(spec)
	if err != nil {
		s.discard(rec)
		return "", fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = s.opts.InstallDir
	cmd.Env = childEnv(s.opts.ChildEnv)
	setProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.discard(rec)
		return "", fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.discard(rec)
		return "", fmt.Errorf("%w: stdout pipe: %v", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.discard(rec)
		return "", fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		s.discard(rec)
		s.events.Publish(bus.Event{
			Type:    bus.ServerFailed,
			Package: spec.Name,
			Reason:  err.Error(),
		})
		return "", fmt.Errorf("%w: start %s: %v", ErrSpawn, command, err)
	}

	childLog := s.logger.With(
		zap.String("server_id", rec.id),
		zap.String("package", spec.Name))

	rec.mu.Lock()
	rec.status = StatusStarting
	rec.command = command
	rec.args = args
	rec.pid = cmd.Process.Pid
	rec.cmd = cmd
	rec.tr = transport.New(stdin, stdout, childLog.Named("transport"))
	rec.client = jsonrpc.NewClient(rec.tr, childLog.Named("rpc"))
	rec.stderr = transport.NewStderrBuffer(stderr, childLog.Named("stderr"))
	rec.mu.Unlock()

	s.mu.Lock()
	s.records[rec.id] = rec
	s.mu.Unlock()

	// The monitor must be waiting before the handshake: a child that dies
	// mid-handshake still gets its exactly-once ServerStopped transition.
	go s.monitor(rec, tracker)

	childLog.Info("child started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", command),
		zap.Int("restart_count", rec.restartCount))

	// The initialize request doubles as the health check: a child that
	// cannot answer it within the deadline is not worth keeping.
	capabilities, err := rec.client.Initialize(ctx, s.opts.HandshakeTimeout)
	if err != nil {
		childLog.Warn("handshake failed, terminating child", zap.Error(err))
		rec.markStopRequested()
		s.terminate(rec)
		<-rec.exited
		s.remove(rec.id)
		s.events.Publish(bus.Event{
			Type:     bus.ServerFailed,
			ServerID: rec.id,
			Package:  spec.Name,
			Reason:   "handshake: " + err.Error(),
		})
		if errors.Is(err, jsonrpc.ErrTimeout) {
			return "", fmt.Errorf("%w: %s", ErrHandshakeTimeout, spec.String())
		}
		return "", fmt.Errorf("%w: handshake: %v", ErrSpawn, err)
	}

	rec.mu.Lock()
	rec.status = StatusRunning
	rec.startedAt = time.Now().UTC()
	rec.lastHealthAt = rec.startedAt
	rec.mu.Unlock()

	go s.limits.watch(rec, func(reason string) { s.degrade(rec, reason) })

	childLog.Info("server running", zap.ByteString("capabilities", capabilities))
	s.events.Publish(bus.Event{
		Type:       bus.ServerStarted,
		ServerID:   rec.id,
		Package:    spec.Name,
		Capability: spec.Capability,
	})
	return rec.id, nil
}

// monitor waits for the child to exit, performs the final state transition,
// emits the exactly-once ServerStopped event, and applies the restart policy.
func (s *Supervisor) monitor(rec *serverRecord, tracker *restartTracker) {
	err := rec.cmd.Wait()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	// Release the pipes; this also fails all pending JSON-RPC calls.
	_ = rec.tr.Close()

	stopRequested := rec.stopWasRequested()
	clean := exitCode == 0

	rec.mu.Lock()
	// A child that died before completing its handshake is a spawn failure,
	// not a crash — Spawn reports the error and no restart policy applies.
	everRan := !rec.startedAt.IsZero()
	if stopRequested || clean {
		rec.status = StatusExited
	} else {
		rec.status = StatusFailed
		if rec.reason == "" {
			rec.reason = fmt.Sprintf("exited with code %d", exitCode)
		}
	}
	rec.pid = 0
	reason := rec.reason
	rec.mu.Unlock()

	s.logger.Info("child exited",
		zap.String("server_id", rec.id),
		zap.String("package", rec.spec.Name),
		zap.Int("exit_code", exitCode),
		zap.Bool("stop_requested", stopRequested))

	s.events.Publish(bus.Event{
		Type:       bus.ServerStopped,
		ServerID:   rec.id,
		Package:    rec.spec.Name,
		Capability: rec.spec.Capability,
		ExitCode:   exitCode,
		Reason:     reason,
	})
	close(rec.exited)

	if stopRequested {
		// Clean external shutdown resets the restart budget.
		tracker.reset()
		s.remove(rec.id)
		return
	}
	if clean {
		// A clean exit is the child's own decision; do not second-guess it.
		s.remove(rec.id)
		return
	}
	if !everRan {
		// Spawn's handshake error path owns cleanup and event emission.
		return
	}

	go s.restartLoop(rec, tracker)
}

// restartLoop re-launches a crashed child with exponential backoff. The dead
// record stays listed (status failed) until a replacement is running; on
// budget exhaustion it stays failed until external intervention.
func (s *Supervisor) restartLoop(rec *serverRecord, tracker *restartTracker) {
	attempt := rec.restartCount
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		delay, ok := tracker.next(time.Now())
		if !ok {
			s.logger.Error("restart budget exhausted, giving up",
				zap.String("server_id", rec.id),
				zap.String("package", rec.spec.Name),
				zap.Int("attempts", attempt+1))
			return
		}
		attempt++

		s.logger.Info("restarting child",
			zap.String("package", rec.spec.Name),
			zap.Duration("backoff", delay),
			zap.Int("attempt", attempt))

		select {
		case <-time.After(delay):
		case <-s.shutdown:
			return
		}

		// Restarts get a fresh server id; the router re-registers the new
		// id via the ServerStarted event and drops the old one.
		next := &serverRecord{
			id:     uuid.NewString(),
			spec:   rec.spec,
			exited: make(chan struct{}),
		}
		next.status = StatusStarting
		next.restartCount = attempt
		id, err := s.launch(context.Background(), next, tracker)
		if err != nil {
			s.logger.Warn("restart attempt failed",
				zap.String("package", rec.spec.Name),
				zap.Error(err))
			continue
		}
		s.remove(rec.id)
		s.logger.Info("child restarted",
			zap.String("package", rec.spec.Name),
			zap.String("old_server_id", rec.id),
			zap.String("server_id", id))
		return
	}
}

// Stop terminates one child. Stopping an unknown or already-stopped server
// is a no-op returning success.
func (s *Supervisor) Stop(ctx context.Context, id string, mode StopMode) error {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	switch rec.getStatus() {
	case StatusExited, StatusFailed:
		s.remove(id)
		return nil
	case StatusInstalling:
		// No process exists yet; mark the record so Spawn aborts the launch
		// once the install returns.
		rec.markStopRequested()
		return nil
	}

	rec.markStopRequested()
	s.logger.Info("stopping child",
		zap.String("server_id", id),
		zap.String("mode", string(mode)))

	if mode == StopGraceful {
		// The wire protocol defines no shutdown request; closing stdin is
		// the conventional signal for a stdio server to exit.
		if tr := rec.transport(); tr != nil {
			_ = tr.Close()
		}
		select {
		case <-rec.exited:
			return nil
		case <-time.After(stopGrace):
		case <-ctx.Done():
		}
	}

	s.terminate(rec)

	select {
	case <-rec.exited:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("supervisor: stop %s: %w", id, ctx.Err())
	}
}

// StopAll gracefully stops every child, in parallel, bounded by ctx. Used
// during orchestrator shutdown; further spawns are rejected.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id, StopGraceful); err != nil {
				s.logger.Warn("stop during shutdown", zap.String("server_id", id), zap.Error(err))
			}
		}(id)
	}
	wg.Wait()
}

// terminate escalates SIGTERM → SIGKILL on the child's process group.
func (s *Supervisor) terminate(rec *serverRecord) {
	rec.mu.Lock()
	pid := rec.pid
	rec.mu.Unlock()
	if pid == 0 {
		return
	}

	signalTerm(pid)
	select {
	case <-rec.exited:
		return
	case <-time.After(termGrace):
	}
	signalKill(pid)
}

// List returns a point-in-time snapshot of all records, ordered by start
// time then id for stable output. Safe to call concurrently.
func (s *Supervisor) List() []ServerInfo {
	s.mu.RLock()
	infos := make([]ServerInfo, 0, len(s.records))
	for _, rec := range s.records {
		infos = append(infos, rec.snapshot())
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].StartedAt.Before(infos[j].StartedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

// Get returns the snapshot for one server.
func (s *Supervisor) Get(id string) (ServerInfo, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return ServerInfo{}, ErrNotFound
	}
	return rec.snapshot(), nil
}

// Client returns the JSON-RPC client for a running server. Callers must not
// retain it across lifecycle events — resolve again per call.
func (s *Supervisor) Client(id string) (*jsonrpc.Client, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	switch rec.getStatus() {
	case StatusRunning, StatusUnhealthy:
		return rec.client, nil
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFound, id, rec.getStatus())
	}
}

// IsRunning reports whether the given server id exists with status running.
// The router uses this as its liveness check at dispatch time.
func (s *Supervisor) IsRunning(id string) bool {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	return ok && rec.getStatus() == StatusRunning
}

func (s *Supervisor) remove(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

// discard drops a record that failed before its process started. The exited
// channel is closed here because no monitor goroutine exists to close it.
func (s *Supervisor) discard(rec *serverRecord) {
	s.remove(rec.id)
	close(rec.exited)
}

// degrade marks a child unhealthy and puts it down. The monitor observes the
// death as an abnormal exit, so the usual restart policy applies.
func (s *Supervisor) degrade(rec *serverRecord, reason string) {
	rec.mu.Lock()
	rec.status = StatusUnhealthy
	rec.reason = reason
	rec.mu.Unlock()
	s.terminate(rec)
}

// childEnv builds the child's environment: a minimal slice of the parent's
// plus configured additions. Children do not inherit the full parent
// environment.
func childEnv(extra []string) []string {
	env := make([]string, 0, 8+len(extra))
	for _, key := range []string{"PATH", "HOME", "LANG", "TMPDIR", "NODE_OPTIONS"} {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return append(env, extra...)
}
