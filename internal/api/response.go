// Package api implements the HTTP control surface for the orchestrator. It
// uses Chi as the router. Every endpoint is JSON in, JSON out; errors use
// the shape {"error": string, "details"?: object}.
//
// The facade is a thin synchronous veneer: handlers delegate to the monitor,
// supervisor and router and do no orchestration of their own. Triggering an
// acquisition returns as soon as the job is queued; executing a task blocks
// until the provider replies or times out.
package api

import (
	"encoding/json"
	"net/http"
)

// JSON writes a JSON-encoded response with the given status code.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// Ok writes a 200 OK response.
func Ok(w http.ResponseWriter, payload any) {
	JSON(w, http.StatusOK, payload)
}

// apiError is the error body shape for all non-200 responses.
type apiError struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrBadRequest writes a 400 with a human-readable message.
func ErrBadRequest(w http.ResponseWriter, message string) {
	JSON(w, http.StatusBadRequest, apiError{Error: message})
}

// ErrNotFound writes a 404.
func ErrNotFound(w http.ResponseWriter, message string) {
	JSON(w, http.StatusNotFound, apiError{Error: message})
}

// ErrInternal writes a 500. The detail is included — this is a local admin
// API, not a public surface, and hiding the cause only slows debugging.
func ErrInternal(w http.ResponseWriter, message string) {
	JSON(w, http.StatusInternalServerError, apiError{Error: message})
}

// decodeJSON decodes the request body into dst. Returns false and writes an
// appropriate error response if decoding fails, so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		ErrBadRequest(w, "invalid request body: "+err.Error())
		return false
	}
	return true
}
