// Package health provides the liveness and readiness endpoints of the
// speakflow ops server.
//
//   - /healthz reports liveness and the current session state; it always
//     returns 200 OK.
//   - /readyz returns 200 only when every registered [Checker] passes. The
//     [Session] checker passes only while a conversation is live.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// liveState is the session state name reported while audio is streaming.
const liveState = "live"

// Checker is a named readiness check. Check returns nil when healthy and an
// error describing the failure otherwise.
type Checker struct {
	// Name appears as a key in the JSON "checks" map.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// Session returns a [Checker] named "session" that passes only while state
// reports a live conversation.
func Session(state func() string) Checker {
	return Checker{
		Name: "session",
		Check: func(context.Context) error {
			if s := state(); s != liveState {
				return fmt.Errorf("session is %s", s)
			}
			return nil
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status  string            `json:"status"`
	Session string            `json:"session,omitempty"`
	Checks  map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	state    func() string
	checkers []Checker
}

// New creates a [Handler]. state, if non-nil, is reported by /healthz and
// adds a [Session] check to /readyz ahead of the extra checkers.
func New(state func() string, checkers ...Checker) *Handler {
	h := &Handler{state: state}
	if state != nil {
		h.checkers = append(h.checkers, Session(state))
	}
	h.checkers = append(h.checkers, checkers...)
	return h
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	res := result{Status: "ok"}
	if h.state != nil {
		res.Session = h.state()
	}
	writeJSON(w, http.StatusOK, res)
}

// Readyz returns 200 only when every checker passes. Each checker runs with
// a [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{Status: "ok", Checks: checks}
	if h.state != nil {
		res.Session = h.state()
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
