// Package health serves the bridge's liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs the
// registered dependency checks (switch control socket, conversation store) and
// answers 503 when any of them fails, so the load balancer stops routing new
// calls to an instance that could not complete them anyway.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds each individual readiness check.
const checkTimeout = 5 * time.Second

// Checker probes one dependency. Check returns nil when the dependency can
// serve a call right now; the error message ends up in the /readyz body.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is the per-dependency entry in the /readyz response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction, so a Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz reports liveness. No dependency is consulted.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own timeout, and
// reports 503 if any fails. Latency is reported per check so a probe that is
// slow but passing still shows up in the body.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	g, gctx := errgroup.WithContext(r.Context())
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(gctx, checkTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			results[i] = checkResult{
				Status:    "ok",
				LatencyMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				results[i].Status = "fail"
				results[i].Error = err.Error()
			}
			// A failing check must not cancel its siblings; the body
			// reports all of them.
			return nil
		})
	}
	_ = g.Wait()

	res := response{Status: "ok", Checks: make(map[string]checkResult, len(h.checkers))}
	status := http.StatusOK
	for i, c := range h.checkers {
		res.Checks[c.Name] = results[i]
		if results[i].Status != "ok" {
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, res)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
