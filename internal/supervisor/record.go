package supervisor

import (
	"os/exec"
	"sync"
	"time"

	"github.com/ashby-io/ashby/internal/jsonrpc"
	"github.com/ashby-io/ashby/internal/transport"
)

// Status is the lifecycle state of a managed child server.
type Status string

const (
	StatusInstalling Status = "installing"
	StatusStarting   Status = "starting"
	StatusRunning    Status = "running"
	StatusUnhealthy  Status = "unhealthy"
	StatusStopping   Status = "stopping"
	StatusExited     Status = "exited"
	StatusFailed     Status = "failed"
)

// PackageSpec identifies a registry package to install and run.
type PackageSpec struct {
	// Name is the registry package name (e.g. "@acme/mcp-blockchain").
	Name string
	// Version pins a version; empty means the registry's latest.
	Version string
	// Capability records why this package was acquired. The router's default
	// tool mapping uses it to key providers; empty for manually spawned
	// servers.
	Capability string
}

// String renders the spec the way the package manager expects it.
func (p PackageSpec) String() string {
	if p.Version == "" {
		return p.Name
	}
	return p.Name + "@" + p.Version
}

// serverRecord is the supervisor's private per-child state. All fields below
// mu are guarded by it, including the handles (cmd, tr, client, stderr):
// records become visible in the registry while still installing, before any
// handle exists, so the handles are set under the lock during launch and
// never reassigned afterwards.
type serverRecord struct {
	id   string
	spec PackageSpec

	command string
	args    []string

	cmd    *exec.Cmd
	tr     *transport.Transport
	client *jsonrpc.Client
	stderr *transport.StderrBuffer

	// exited is closed by the monitor goroutine after the final state
	// transition for this record. Stop waits on it.
	exited chan struct{}

	mu            sync.Mutex
	pid           int
	status        Status
	startedAt     time.Time
	lastHealthAt  time.Time
	restartCount  int
	reason        string
	stopRequested bool
}

func (r *serverRecord) setStatus(s Status) {
	r.mu.Lock()
	r.status = s
	// pid is defined only while the process can still be signalled.
	if s == StatusExited || s == StatusFailed {
		r.pid = 0
	}
	r.mu.Unlock()
}

func (r *serverRecord) getStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *serverRecord) markStopRequested() {
	r.mu.Lock()
	r.stopRequested = true
	r.status = StatusStopping
	r.mu.Unlock()
}

func (r *serverRecord) stopWasRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRequested
}

func (r *serverRecord) touchHealth() {
	r.mu.Lock()
	r.lastHealthAt = time.Now().UTC()
	r.mu.Unlock()
}

// transport returns the record's transport handle, which is nil until launch
// wires the pipes.
func (r *serverRecord) transport() *transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tr
}

// ServerInfo is the read-only snapshot of a record exposed outside the
// supervisor. Direct access to records is forbidden; List and Get copy.
type ServerInfo struct {
	ID           string    `json:"id"`
	Package      string    `json:"package"`
	Version      string    `json:"version,omitempty"`
	Capability   string    `json:"capability,omitempty"`
	PID          int       `json:"pid,omitempty"`
	Status       Status    `json:"status"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	LastHealthAt time.Time `json:"last_health_at,omitzero"`
	RestartCount int       `json:"restart_count"`
	Reason       string    `json:"reason,omitempty"`
	StderrTail   []string  `json:"last_stderr,omitempty"`
}

func (r *serverRecord) snapshot() ServerInfo {
	r.mu.Lock()
	info := ServerInfo{
		ID:           r.id,
		Package:      r.spec.Name,
		Version:      r.spec.Version,
		Capability:   r.spec.Capability,
		Status:       r.status,
		StartedAt:    r.startedAt,
		LastHealthAt: r.lastHealthAt,
		RestartCount: r.restartCount,
		Reason:       r.reason,
	}
	// The pid is internal bookkeeping until the handshake completes; a child
	// that never answers initialize is terminated without ever having been
	// observable as a process.
	switch r.status {
	case StatusRunning, StatusUnhealthy, StatusStopping:
		info.PID = r.pid
	}
	stderr := r.stderr
	r.mu.Unlock()

	if stderr != nil {
		info.StderrTail = stderr.Tail(10)
	}
	return info
}
