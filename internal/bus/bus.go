// Package bus is the in-process pub/sub broker for lifecycle and acquisition
// events. The supervisor and acquisition coordinator publish; the capability
// router and any external event sinks subscribe. The core never depends on a
// subscriber being present.
//
// # Design: single-writer event loop
//
// All mutations to the subscriber registry are serialised through one
// goroutine — the Run loop — via channels, so the registry needs no mutex.
// Publish copies the subscriber set under a short read-lock and sends outside
// it; a subscriber whose buffer is full misses the event (a drop counter is
// kept) rather than blocking the publisher.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies what happened.
type EventType string

const (
	// ServerStarted fires after a child completes its handshake and its
	// tools are known.
	ServerStarted EventType = "server_started"

	// ServerStopped fires exactly once per exited child, clean or not.
	ServerStopped EventType = "server_stopped"

	// ServerFailed fires when a spawn fails before the child ever reached
	// the running state.
	ServerFailed EventType = "server_failed"

	// AcquisitionStarted, AcquisitionSucceeded and AcquisitionFailed trace
	// the coordinator's capability-acquisition jobs.
	AcquisitionStarted   EventType = "acquisition_started"
	AcquisitionSucceeded EventType = "acquisition_succeeded"
	AcquisitionFailed    EventType = "acquisition_failed"
)

// Event is the payload delivered to subscribers. Fields beyond Type and Time
// are populated where they make sense for the event type.
type Event struct {
	Type       EventType
	Time       time.Time
	ServerID   string
	Package    string
	Capability string
	// Reason carries the failure cause for ServerFailed / AcquisitionFailed
	// and the exit summary for ServerStopped.
	Reason string
	// ExitCode is meaningful only for ServerStopped.
	ExitCode int
}

// subscriber is one registered event sink.
type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// Bus routes published events to all subscribers. Create with New and start
// the loop with Run; the zero value is not usable.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	register   chan *subscriber
	unregister chan *subscriber
	stopped    chan struct{}
}

// subscriberBuffer is each subscriber's channel depth. Slow sinks miss
// events past this depth instead of stalling publishers.
const subscriberBuffer = 64

// New creates an idle Bus. Call Run in a goroutine to start it.
func New() *Bus {
	return &Bus{
		subs:       make(map[*subscriber]struct{}),
		register:   make(chan *subscriber, 8),
		unregister: make(chan *subscriber, 8),
		stopped:    make(chan struct{}),
	}
}

// Run starts the bus's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)

	for {
		select {
		case s := <-b.register:
			b.mu.Lock()
			b.subs[s] = struct{}{}
			b.mu.Unlock()

		case s := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()

		case <-ctx.Done():
			b.mu.Lock()
			for s := range b.subs {
				close(s.ch)
			}
			b.subs = make(map[*subscriber]struct{})
			b.mu.Unlock()
			return
		}
	}
}

// Subscribe registers a new sink and returns its event channel plus a cancel
// function. The channel is closed on cancel or bus shutdown.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, subscriberBuffer)}

	// The register channel is buffered, so a send can succeed even after the
	// loop has exited; check for shutdown first.
	select {
	case <-b.stopped:
		close(s.ch)
		return s.ch, func() {}
	default:
	}

	select {
	case b.register <- s:
	case <-b.stopped:
		close(s.ch)
		return s.ch, func() {}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			select {
			case b.unregister <- s:
			case <-b.stopped:
			}
		})
	}
	return s.ch, cancel
}

// Publish delivers ev to every current subscriber without blocking. Events
// are timestamped here if the caller left Time zero.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}
