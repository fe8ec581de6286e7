// Package router maintains the dynamic mapping from abstract capability
// names to the (server, tool) providers that satisfy them.
//
// The router is not authoritative about liveness: it reflects the supervisor
// state it last observed, via lifecycle events, a periodic full refresh, and
// explicit refresh calls. The capability map is published as an immutable
// snapshot behind an atomic pointer — a resolve sees either the complete old
// map or the complete new map, never a partial rebuild.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/bus"
	"github.com/ashby-io/ashby/internal/jsonrpc"
	"github.com/ashby-io/ashby/internal/supervisor"
)

// ErrNoProvider is returned when no live provider exists for a capability.
var ErrNoProvider = errors.New("no provider")

// listToolsTimeout bounds the tools/list call issued per server during a
// refresh.
const listToolsTimeout = 5 * time.Second

// Provider is one (server, tool) pair able to satisfy a capability.
type Provider struct {
	ServerID string  `json:"server_id"`
	Tool     string  `json:"tool"`
	Score    float64 `json:"score"`
}

// Mapping is one capability a tool contributes to, produced by the MapFunc.
type Mapping struct {
	Capability string
	Score      float64
}

// MapFunc derives zero or more capability mappings from a tool descriptor
// and the server that advertises it. It must be pure and total: same inputs,
// same mappings, no side effects.
type MapFunc func(server supervisor.ServerInfo, tool jsonrpc.ToolDescriptor) []Mapping

// Backend is the slice of the supervisor the router depends on. The router
// holds serverIDs only; it never owns processes or pipes.
type Backend interface {
	List() []supervisor.ServerInfo
	IsRunning(id string) bool
	Client(id string) (*jsonrpc.Client, error)
}

// snapshot is one immutable published capability map.
type snapshot struct {
	providers map[string][]Provider
	// byServer indexes which capabilities each server contributes, so
	// removal on server_stopped does not need a full rebuild.
	byServer map[string][]string
}

func emptySnapshot() *snapshot {
	return &snapshot{
		providers: map[string][]Provider{},
		byServer:  map[string][]string{},
	}
}

// Router resolves capabilities to providers and dispatches calls. Create
// with New, then start the event subscription and periodic refresh with Run.
type Router struct {
	backend     Backend
	events      *bus.Bus
	mapFn       MapFunc
	refreshEvry time.Duration
	callTimeout time.Duration
	logger      *zap.Logger

	snap atomic.Pointer[snapshot]

	// refreshMu serialises rebuilds; resolves are lock-free snapshot reads.
	refreshMu sync.Mutex

	// misses counts consecutive failed tools/list calls per server. A
	// server keeps its previously known entries for one failed cycle, then
	// is removed.
	misses map[string]int

	// changed is closed and replaced on every snapshot swap so waiters
	// (the acquisition coordinator) can block on registry updates.
	changedMu sync.Mutex
	changed   chan struct{}
}

// New creates a Router. mapFn may be nil, in which case DefaultMapFunc is
// used.
func New(backend Backend, events *bus.Bus, mapFn MapFunc, refreshInterval, callTimeout time.Duration, logger *zap.Logger) *Router {
	if mapFn == nil {
		mapFn = DefaultMapFunc
	}
	r := &Router{
		backend:     backend,
		events:      events,
		mapFn:       mapFn,
		refreshEvry: refreshInterval,
		callTimeout: callTimeout,
		logger:      logger.Named("router"),
		misses:      make(map[string]int),
		changed:     make(chan struct{}),
	}
	r.snap.Store(emptySnapshot())
	return r
}

// Run subscribes to lifecycle events and starts the periodic full refresh.
// It blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	events, unsubscribe := r.events.Subscribe()
	defer unsubscribe()

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("router: create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(r.refreshEvry),
		gocron.NewTask(func() { r.Refresh(ctx) }),
		// Overlapping refreshes would only queue on refreshMu; skip them.
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("router: schedule refresh: %w", err)
	}
	sched.Start()
	defer func() { _ = sched.Shutdown() }()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case bus.ServerStarted:
				r.addServer(ctx, ev.ServerID)
			case bus.ServerStopped, bus.ServerFailed:
				r.removeServer(ev.ServerID)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Capabilities returns the currently registered capability names, sorted.
func (r *Router) Capabilities() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.providers))
	for c := range snap.providers {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// List returns a copy of the full capability → providers map.
func (r *Router) List() map[string][]Provider {
	snap := r.snap.Load()
	out := make(map[string][]Provider, len(snap.providers))
	for c, provs := range snap.providers {
		out[c] = append([]Provider(nil), provs...)
	}
	return out
}

// Resolve returns the first live provider for a capability. Entries whose
// server is no longer running are filtered lazily here and purged by the
// next refresh.
func (r *Router) Resolve(capability string) (Provider, error) {
	snap := r.snap.Load()
	for _, p := range snap.providers[capability] {
		if r.backend.IsRunning(p.ServerID) {
			return p, nil
		}
	}
	return Provider{}, fmt.Errorf("%w for capability '%s'", ErrNoProvider, capability)
}

// Execute resolves a capability and invokes its provider's tool. There is no
// transparent failover: if the chosen provider's call fails, the error is
// returned and the caller may retry.
func (r *Router) Execute(ctx context.Context, capability string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	provider, err := r.Resolve(capability)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = r.callTimeout
	}

	client, err := r.backend.Client(provider.ServerID)
	if err != nil {
		return nil, fmt.Errorf("router: provider %s unavailable: %w", provider.ServerID, err)
	}

	r.logger.Debug("dispatching capability call",
		zap.String("capability", capability),
		zap.String("server_id", provider.ServerID),
		zap.String("tool", provider.Tool))

	return client.CallTool(ctx, provider.Tool, args, timeout)
}

// Changed returns a channel closed at the next snapshot swap. Callers take a
// fresh channel after every wakeup.
func (r *Router) Changed() <-chan struct{} {
	r.changedMu.Lock()
	defer r.changedMu.Unlock()
	return r.changed
}

// Refresh rebuilds the whole capability map from the supervisor's running
// servers. Idempotent when nothing changed. Safe to call concurrently with
// resolves.
func (r *Router) Refresh(ctx context.Context) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	old := r.snap.Load()
	next := emptySnapshot()

	for _, info := range r.backend.List() {
		if info.Status != supervisor.StatusRunning {
			continue
		}
		tools, err := r.listTools(ctx, info.ID)
		if err != nil {
			if r.misses[info.ID] == 0 {
				// First failure: retain the previously known entries for
				// one cycle rather than flapping the capability away.
				r.misses[info.ID] = 1
				r.carryOver(old, next, info.ID)
				r.logger.Warn("tools/list failed, retaining stale entries",
					zap.String("server_id", info.ID),
					zap.Error(err))
			} else {
				delete(r.misses, info.ID)
				r.logger.Warn("tools/list failed twice, dropping server from registry",
					zap.String("server_id", info.ID),
					zap.Error(err))
			}
			continue
		}
		delete(r.misses, info.ID)
		r.mergeServer(next, info, tools)
	}

	r.publish(next)
}

// addServer merges one newly started server into a copy of the current
// snapshot. Used for the server_started event so a fresh capability is
// visible without waiting for the periodic cycle.
func (r *Router) addServer(ctx context.Context, id string) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	info, err := r.backendInfo(id)
	if err != nil {
		r.logger.Debug("started server vanished before registration", zap.String("server_id", id))
		return
	}
	tools, err := r.listTools(ctx, id)
	if err != nil {
		r.logger.Warn("tools/list on startup failed",
			zap.String("server_id", id),
			zap.Error(err))
		return
	}

	next := r.cloneWithout(id)
	r.mergeServer(next, info, tools)
	r.publish(next)

	r.logger.Info("server registered",
		zap.String("server_id", id),
		zap.String("package", info.Package),
		zap.Int("tools", len(tools)),
		zap.Strings("capabilities", next.byServer[id]))
}

// removeServer drops all entries contributed by a stopped server.
func (r *Router) removeServer(id string) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	snap := r.snap.Load()
	if _, ok := snap.byServer[id]; !ok {
		return
	}
	delete(r.misses, id)
	r.publish(r.cloneWithout(id))
	r.logger.Info("server deregistered", zap.String("server_id", id))
}

// cloneWithout copies the current snapshot minus one server's entries.
func (r *Router) cloneWithout(id string) *snapshot {
	old := r.snap.Load()
	next := emptySnapshot()
	for c, provs := range old.providers {
		kept := make([]Provider, 0, len(provs))
		for _, p := range provs {
			if p.ServerID != id {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			next.providers[c] = kept
		}
	}
	for sid, caps := range old.byServer {
		if sid != id {
			next.byServer[sid] = caps
		}
	}
	return next
}

// carryOver copies one server's entries from the old snapshot into next.
func (r *Router) carryOver(old, next *snapshot, id string) {
	for _, c := range old.byServer[id] {
		for _, p := range old.providers[c] {
			if p.ServerID == id {
				next.providers[c] = append(next.providers[c], p)
			}
		}
	}
	if caps, ok := old.byServer[id]; ok {
		next.byServer[id] = caps
	}
}

// mergeServer applies the mapping function to a server's tools and adds the
// resulting providers to next.
func (r *Router) mergeServer(next *snapshot, info supervisor.ServerInfo, tools []jsonrpc.ToolDescriptor) {
	seen := map[string]struct{}{}
	for _, tool := range tools {
		for _, m := range r.mapFn(info, tool) {
			if m.Capability == "" {
				continue
			}
			next.providers[m.Capability] = append(next.providers[m.Capability], Provider{
				ServerID: info.ID,
				Tool:     tool.Name,
				Score:    m.Score,
			})
			if _, ok := seen[m.Capability]; !ok {
				seen[m.Capability] = struct{}{}
				next.byServer[info.ID] = append(next.byServer[info.ID], m.Capability)
			}
		}
	}
}

// publish orders providers, swaps the snapshot in, and wakes waiters.
func (r *Router) publish(next *snapshot) {
	for c := range next.providers {
		provs := next.providers[c]
		sort.SliceStable(provs, func(i, j int) bool {
			if provs[i].Score != provs[j].Score {
				return provs[i].Score > provs[j].Score
			}
			if provs[i].ServerID != provs[j].ServerID {
				return provs[i].ServerID < provs[j].ServerID
			}
			return provs[i].Tool < provs[j].Tool
		})
	}
	r.snap.Store(next)

	r.changedMu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.changedMu.Unlock()
}

func (r *Router) listTools(ctx context.Context, id string) ([]jsonrpc.ToolDescriptor, error) {
	client, err := r.backend.Client(id)
	if err != nil {
		return nil, err
	}
	return client.ListTools(ctx, listToolsTimeout)
}

func (r *Router) backendInfo(id string) (supervisor.ServerInfo, error) {
	for _, info := range r.backend.List() {
		if info.ID == id {
			return info, nil
		}
	}
	return supervisor.ServerInfo{}, supervisor.ErrNotFound
}

// DefaultMapFunc keys every tool of a server under the capability the server
// was acquired for, scored by the discovery rank carried on the record, and
// additionally exposes each tool under its own normalized name so direct
// tool-name routing works for manually spawned servers.
func DefaultMapFunc(server supervisor.ServerInfo, tool jsonrpc.ToolDescriptor) []Mapping {
	var out []Mapping
	if server.Capability != "" {
		out = append(out, Mapping{Capability: server.Capability, Score: 1})
	}
	if name := normalizeToolName(tool.Name); name != "" && name != server.Capability {
		out = append(out, Mapping{Capability: name, Score: 0.5})
	}
	return out
}

// normalizeToolName lowercases and trims a tool name for use as a
// capability key.
func normalizeToolName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
