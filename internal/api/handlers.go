package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ashby-io/ashby/internal/jsonrpc"
	"github.com/ashby-io/ashby/internal/supervisor"
)

type handlers struct {
	monitor        Monitor
	supervisor     Supervisor
	registry       Registry
	logger         *zap.Logger
	executeTimeout time.Duration
}

// Health reports liveness plus the current capability set.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"status":       "alive",
		"capabilities": h.registry.Capabilities(),
	})
}

// Capabilities returns the router snapshot.
func (h *handlers) Capabilities(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"capabilities": h.registry.Capabilities(),
	})
}

// serverSummary is the listing shape for one server record.
type serverSummary struct {
	ID        string    `json:"id"`
	Package   string    `json:"package"`
	PID       int       `json:"pid,omitempty"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// ListServers returns the supervisor snapshot.
func (h *handlers) ListServers(w http.ResponseWriter, r *http.Request) {
	infos := h.supervisor.List()
	servers := make([]serverSummary, 0, len(infos))
	for _, info := range infos {
		servers = append(servers, serverSummary{
			ID:        info.ID,
			Package:   info.Package,
			PID:       info.PID,
			Status:    string(info.Status),
			StartedAt: info.StartedAt,
		})
	}
	Ok(w, map[string]any{"servers": servers})
}

// GetServer returns the full record for one server, including restart count
// and the stderr tail.
func (h *handlers) GetServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := h.supervisor.Get(id)
	if err != nil {
		ErrNotFound(w, "no server with id '"+id+"'")
		return
	}
	Ok(w, map[string]any{"server": info})
}

// StopServer gracefully stops one server. Stopping an unknown server is
// treated as already stopped.
func (h *handlers) StopServer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.supervisor.Stop(r.Context(), id, supervisor.StopGraceful); err != nil {
		ErrInternal(w, "stop failed: "+err.Error())
		return
	}
	Ok(w, map[string]any{"stopped": true})
}

// Trigger injects required capabilities into the variety monitor. It returns
// as soon as the gap is recorded; acquisition runs in the background.
// Triggering an already-satisfied capability is a no-op that still succeeds.
func (h *handlers) Trigger(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Capabilities []string `json:"capabilities"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Capabilities) == 0 {
		ErrBadRequest(w, "capabilities must be a non-empty array")
		return
	}
	for _, c := range body.Capabilities {
		if c == "" {
			ErrBadRequest(w, "capability names must be non-empty strings")
			return
		}
	}

	gap := h.monitor.Require(body.Capabilities)
	Ok(w, map[string]any{
		"triggered": true,
		"gap":       gap,
	})
}

// Execute routes a task to the capability's provider and blocks until the
// reply or timeout. Routing and provider errors are reported in-band as
// {"success":false,...} — from the HTTP client's perspective the dispatch
// itself worked.
func (h *handlers) Execute(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Capability string          `json:"capability"`
		Task       json.RawMessage `json:"task"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Capability == "" {
		ErrBadRequest(w, "capability is required")
		return
	}

	result, err := h.registry.Execute(r.Context(), body.Capability, body.Task, h.executeTimeout)
	if err != nil {
		h.logger.Warn("execute failed",
			zap.String("capability", body.Capability),
			zap.Error(err))
		Ok(w, executeFailure(err))
		return
	}

	Ok(w, map[string]any{
		"success": true,
		"result":  result,
	})
}

// executeFailure shapes an execution error. JSON-RPC errors from the
// provider pass through verbatim with their code.
func executeFailure(err error) map[string]any {
	body := map[string]any{
		"success": false,
		"error":   err.Error(),
	}
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		body["error"] = rpcErr.Message
		body["code"] = rpcErr.Code
	}
	return body
}

// DaemonStatus reports the variety monitor's state.
func (h *handlers) DaemonStatus(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.monitor.Status())
}

// DaemonEnable starts the monitor scanning.
func (h *handlers) DaemonEnable(w http.ResponseWriter, r *http.Request) {
	h.monitor.Enable()
	Ok(w, h.monitor.Status())
}

// DaemonDisable stops the monitor from initiating acquisitions.
func (h *handlers) DaemonDisable(w http.ResponseWriter, r *http.Request) {
	h.monitor.Disable()
	Ok(w, h.monitor.Status())
}

// Refresh forces a full router refresh.
func (h *handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	h.registry.Refresh(r.Context())
	Ok(w, map[string]any{"refreshed": true})
}
