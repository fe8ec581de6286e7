// Package acquire orchestrates one capability acquisition as an atomic unit:
// discover candidate packages, spawn the best one, wait until the router
// exposes the capability, and roll the spawn back if it never does. Partial
// acquisitions must not linger — a server that came up but never produced a
// provider is stopped again.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/discovery"
	"github.com/ashby-io/ashby/internal/router"
	"github.com/ashby-io/ashby/internal/supervisor"
)

var (
	// ErrNoCandidates means discovery found nothing to install.
	ErrNoCandidates = errors.New("acquire: no candidate packages found")

	// ErrAllCandidatesFailed means every tried candidate failed to spawn or
	// to produce a provider.
	ErrAllCandidatesFailed = errors.New("acquire: all candidates failed")
)

// maxCandidates bounds how many ranked candidates one acquisition will try
// before giving up.
const maxCandidates = 3

// providerPollInterval is the polling fallback while waiting for the router
// to reflect a new provider; the primary mechanism is the router's change
// notification.
const providerPollInterval = 500 * time.Millisecond

// JobState tracks an acquisition job through its lifecycle.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Job is the record of one acquisition attempt.
type Job struct {
	Capability string                `json:"capability"`
	Candidates []discovery.Candidate `json:"candidates,omitempty"`
	Chosen     string                `json:"chosen,omitempty"`
	ServerID   string                `json:"server_id,omitempty"`
	State      JobState              `json:"state"`
	Error      string                `json:"error,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at,omitzero"`
}

// Searcher is the discovery dependency.
type Searcher interface {
	Search(ctx context.Context, capability string, hints []string) ([]discovery.Candidate, error)
}

// Spawner is the supervisor dependency.
type Spawner interface {
	Spawn(ctx context.Context, spec supervisor.PackageSpec) (string, error)
	Stop(ctx context.Context, id string, mode supervisor.StopMode) error
}

// Registry is the router dependency: resolution plus change notification for
// the bounded wait in step four.
type Registry interface {
	Resolve(capability string) (router.Provider, error)
	Changed() <-chan struct{}
}

// Coordinator runs acquisition jobs. Safe for concurrent use; the monitor's
// single-flight guard ensures at most one job per capability at a time.
type Coordinator struct {
	search Searcher
	spawn  Spawner
	reg    Registry
	events *bus.Bus
	wait   time.Duration
	logger *zap.Logger
}

// New creates a Coordinator. wait bounds how long step four blocks for the
// router to expose the acquired capability.
func New(search Searcher, spawn Spawner, reg Registry, events *bus.Bus, wait time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		search: search,
		spawn:  spawn,
		reg:    reg,
		events: events,
		wait:   wait,
		logger: logger.Named("acquire"),
	}
}

// Acquire runs one full acquisition for a capability and returns the job
// record. The returned error is nil exactly when job.State == JobSucceeded.
func (c *Coordinator) Acquire(ctx context.Context, capability string) (Job, error) {
	job := Job{
		Capability: capability,
		State:      JobRunning,
		StartedAt:  time.Now().UTC(),
	}
	c.events.Publish(bus.Event{Type: bus.AcquisitionStarted, Capability: capability})

	candidates, err := c.search.Search(ctx, capability, nil)
	if err != nil {
		return c.fail(job, fmt.Errorf("acquire: discovery for %q: %w", capability, err))
	}
	job.Candidates = candidates
	if len(candidates) == 0 {
		return c.fail(job, fmt.Errorf("%w for %q", ErrNoCandidates, capability))
	}

	tried := candidates
	if len(tried) > maxCandidates {
		tried = tried[:maxCandidates]
	}

	var lastErr error
	for _, candidate := range tried {
		if ctx.Err() != nil {
			job.State = JobCancelled
			job.FinishedAt = time.Now().UTC()
			return job, ctx.Err()
		}

		job.Chosen = candidate.Package
		c.logger.Info("trying candidate",
			zap.String("capability", capability),
			zap.String("package", candidate.Package),
			zap.Float64("score", candidate.Score))

		serverID, err := c.spawn.Spawn(ctx, supervisor.PackageSpec{
			Name:       candidate.Package,
			Version:    candidate.Version,
			Capability: capability,
		})
		if err != nil {
			c.logger.Warn("candidate spawn failed",
				zap.String("package", candidate.Package),
				zap.Error(err))
			lastErr = err
			continue
		}

		if err := c.waitForProvider(ctx, capability); err != nil {
			// Atomicity: a server that never yielded a provider is rolled
			// back so the partial acquisition does not linger.
			c.logger.Warn("provider never appeared, rolling back spawn",
				zap.String("capability", capability),
				zap.String("server_id", serverID),
				zap.Error(err))
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if stopErr := c.spawn.Stop(stopCtx, serverID, supervisor.StopGraceful); stopErr != nil {
				c.logger.Warn("rollback stop failed",
					zap.String("server_id", serverID),
					zap.Error(stopErr))
			}
			cancel()
			lastErr = err
			continue
		}

		job.ServerID = serverID
		job.State = JobSucceeded
		job.FinishedAt = time.Now().UTC()
		c.logger.Info("capability acquired",
			zap.String("capability", capability),
			zap.String("package", candidate.Package),
			zap.String("server_id", serverID))
		c.events.Publish(bus.Event{
			Type:       bus.AcquisitionSucceeded,
			Capability: capability,
			Package:    candidate.Package,
			ServerID:   serverID,
		})
		return job, nil
	}

	return c.fail(job, fmt.Errorf("%w for %q: %v", ErrAllCandidatesFailed, capability, lastErr))
}

// waitForProvider blocks until the router exposes at least one provider for
// the capability, bounded by the configured wait. Change notifications are
// the primary mechanism; polling is the fallback.
func (c *Coordinator) waitForProvider(ctx context.Context, capability string) error {
	deadline := time.NewTimer(c.wait)
	defer deadline.Stop()

	poll := time.NewTicker(providerPollInterval)
	defer poll.Stop()

	for {
		if _, err := c.reg.Resolve(capability); err == nil {
			return nil
		}
		changed := c.reg.Changed()

		select {
		case <-changed:
		case <-poll.C:
		case <-deadline.C:
			return fmt.Errorf("acquire: no provider for %q within %s", capability, c.wait)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) fail(job Job, err error) (Job, error) {
	job.State = JobFailed
	job.Error = err.Error()
	job.FinishedAt = time.Now().UTC()
	c.logger.Warn("acquisition failed",
		zap.String("capability", job.Capability),
		zap.Error(err))
	c.events.Publish(bus.Event{
		Type:       bus.AcquisitionFailed,
		Capability: job.Capability,
		Package:    job.Chosen,
		Reason:     err.Error(),
	})
	return job, err
}
