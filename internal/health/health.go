// Package health serves the gateway's liveness and readiness probes.
//
//   - /healthz — liveness; a process that can answer HTTP is alive.
//   - /readyz  — readiness; 200 only while every registered [Checker]
//     passes, 503 otherwise.
//
// The response body is JSON: {"status": "ok"|"fail", "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/voxswitch/voxswitch/internal/persist"
)

// checkTimeout bounds one readiness probe. Probes hit real dependencies
// (the persistence backend), so a hung dependency must not hang /readyz.
const checkTimeout = 5 * time.Second

// Checker is one named readiness probe. Check returns nil while the
// dependency can serve traffic.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// StoreChecker probes a persistence backend with a cheap existence query.
// Any answer, including "not found", proves the backend is reachable.
func StoreChecker(name string, store persist.Store) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			_, err := store.Exists(ctx, "healthz", persist.EntitySessions, "probe")
			return err
		},
	}
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction, so Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// probeResult is the JSON response body for both endpoints.
type probeResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, probeResult{Status: "ok"})
}

// Readyz runs every checker under a [checkTimeout] deadline and answers 503
// as soon as the aggregate contains a failure.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	res := probeResult{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()
		if err != nil {
			res.Checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			res.Checks[c.Name] = "ok"
		}
	}

	respond(w, status, res)
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func respond(w http.ResponseWriter, status int, v probeResult) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
