// Package monitor implements the variety monitor: the control loop that
// periodically compares the required capability set against what the router
// currently provides and hands the missing ones to the acquisition
// coordinator.
//
// The monitor guarantees single-flight per capability: however many ticks or
// API triggers race, at most one acquisition job per capability is in flight
// at any instant. Failed capabilities are retried on later ticks behind an
// exponential per-capability backoff (same parameters as the supervisor's
// restart policy).
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/acquire"
)

// State is the monitor's coarse state, surfaced via GET /daemon.
type State string

const (
	// StateIdle means the monitor is disabled; ticks do nothing.
	StateIdle State = "idle"
	// StateScanning means the monitor is enabled and between acquisitions.
	StateScanning State = "scanning"
	// StateActing means at least one acquisition is in flight.
	StateActing State = "acting"
)

const (
	retryBackoffInitial = 100 * time.Millisecond
	retryBackoffMax     = 30 * time.Second
)

// Acquirer is the coordinator dependency.
type Acquirer interface {
	Acquire(ctx context.Context, capability string) (acquire.Job, error)
}

// Registry is the router dependency: just the current capability set.
type Registry interface {
	Capabilities() []string
}

// Gap is the point-in-time variety gap reported to API callers.
type Gap struct {
	Required []string `json:"required"`
	Missing  []string `json:"missing"`
	InFlight []string `json:"in_flight,omitempty"`
}

// Status is the monitor's state for GET /daemon.
type Status struct {
	Running    bool   `json:"running"`
	IntervalMS int64  `json:"interval_ms"`
	State      string `json:"state"`
	Checks     int64  `json:"checks"`
}

// retryState is the per-capability acquisition backoff.
type retryState struct {
	delay   time.Duration
	nextTry time.Time
}

// Monitor is the variety monitor daemon. Create with New, drive with Run.
type Monitor struct {
	interval    time.Duration
	concurrency int
	reg         Registry
	acquirer    Acquirer
	logger      *zap.Logger

	mu       sync.Mutex
	enabled  bool
	checks   int64
	required []string
	inFlight map[string]struct{}
	retries  map[string]*retryState

	// kick wakes the run loop for an on-demand tick (API trigger).
	kick chan struct{}
}

// New creates a Monitor. enabled controls the initial state: scanning when
// true, idle until Enable otherwise.
func New(interval time.Duration, concurrency int, enabled bool, reg Registry, acquirer Acquirer, logger *zap.Logger) *Monitor {
	return &Monitor{
		interval:    interval,
		concurrency: concurrency,
		reg:         reg,
		acquirer:    acquirer,
		logger:      logger.Named("monitor"),
		enabled:     enabled,
		inFlight:    make(map[string]struct{}),
		retries:     make(map[string]*retryState),
		kick:        make(chan struct{}, 1),
	}
}

// Run drives the periodic tick until ctx is cancelled. In-flight
// acquisitions are allowed to finish when the monitor shuts down; they are
// simply not retried.
func (m *Monitor) Run(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("monitor: create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() { m.tick(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("monitor: schedule tick: %w", err)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	for {
		select {
		case <-m.kick:
			m.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Require adds capabilities to the required set and returns the resulting
// gap. Capabilities already provided or already in flight enqueue nothing —
// triggering a satisfied capability is a no-op that still reports success.
func (m *Monitor) Require(caps []string) Gap {
	m.mu.Lock()
	seen := make(map[string]struct{}, len(m.required))
	for _, c := range m.required {
		seen[c] = struct{}{}
	}
	for _, c := range caps {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			m.required = append(m.required, c)
		}
	}
	m.mu.Unlock()

	gap := m.Gap()

	// Wake the loop rather than acquiring inline so the HTTP trigger
	// returns as soon as the job is queued.
	select {
	case m.kick <- struct{}{}:
	default:
	}
	return gap
}

// Enable starts scanning. Safe to call when already enabled.
func (m *Monitor) Enable() {
	m.mu.Lock()
	m.enabled = true
	m.mu.Unlock()
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// Disable stops initiating acquisitions. In-flight jobs finish but are not
// retried.
func (m *Monitor) Disable() {
	m.mu.Lock()
	m.enabled = false
	m.mu.Unlock()
}

// Gap reports the current variety gap.
func (m *Monitor) Gap() Gap {
	provided := make(map[string]struct{})
	for _, c := range m.reg.Capabilities() {
		provided[c] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gap := Gap{Required: append([]string(nil), m.required...)}
	for _, c := range m.required {
		if _, ok := provided[c]; ok {
			continue
		}
		if _, ok := m.inFlight[c]; ok {
			gap.InFlight = append(gap.InFlight, c)
			continue
		}
		gap.Missing = append(gap.Missing, c)
	}
	sort.Strings(gap.InFlight)
	return gap
}

// Status reports the monitor state for the API.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := StateIdle
	if m.enabled {
		state = StateScanning
		if len(m.inFlight) > 0 {
			state = StateActing
		}
	}
	return Status{
		Running:    m.enabled,
		IntervalMS: m.interval.Milliseconds(),
		State:      string(state),
		Checks:     m.checks,
	}
}

// tick runs one scan-and-act cycle. Missing capabilities are dispatched in
// required order, in parallel, subject to the concurrency cap and the
// per-capability retry backoff.
func (m *Monitor) tick(ctx context.Context) {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.checks++
	m.mu.Unlock()

	provided := make(map[string]struct{})
	for _, c := range m.reg.Capabilities() {
		provided[c] = struct{}{}
	}

	now := time.Now()
	var dispatch []string

	m.mu.Lock()
	budget := m.concurrency - len(m.inFlight)
	for _, c := range m.required {
		if budget <= 0 {
			break
		}
		if _, ok := provided[c]; ok {
			delete(m.retries, c)
			continue
		}
		if _, ok := m.inFlight[c]; ok {
			continue
		}
		if retry, ok := m.retries[c]; ok && now.Before(retry.nextTry) {
			continue
		}
		m.inFlight[c] = struct{}{}
		dispatch = append(dispatch, c)
		budget--
	}
	m.mu.Unlock()

	if len(dispatch) == 0 {
		return
	}
	m.logger.Info("variety gap detected", zap.Strings("missing", dispatch))

	for _, capability := range dispatch {
		go m.runAcquisition(ctx, capability)
	}
}

// runAcquisition executes one job and settles the single-flight and backoff
// bookkeeping afterwards.
func (m *Monitor) runAcquisition(ctx context.Context, capability string) {
	_, err := m.acquirer.Acquire(ctx, capability)

	m.mu.Lock()
	delete(m.inFlight, capability)
	if err == nil {
		delete(m.retries, capability)
		m.mu.Unlock()
		return
	}

	retry, ok := m.retries[capability]
	if !ok {
		retry = &retryState{delay: retryBackoffInitial}
		m.retries[capability] = retry
	} else {
		retry.delay *= 2
		if retry.delay > retryBackoffMax {
			retry.delay = retryBackoffMax
		}
	}
	retry.nextTry = time.Now().Add(retry.delay)
	m.mu.Unlock()

	m.logger.Warn("acquisition failed, will retry",
		zap.String("capability", capability),
		zap.Duration("backoff", retry.delay),
		zap.Error(err))
}
