// Package health provides the HTTP liveness and readiness handlers served
// next to /metrics.
//
//   - /healthz — liveness probe; always 200 while the process serves HTTP.
//   - /readyz  — readiness probe; 200 only when every registered check
//     passes (backend circuit state, call capacity).
//
// Responses are JSON: {"status": "ok"|"fail", "checks": {...}}.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds one readiness check.
const checkTimeout = 3 * time.Second

// Check probes one dependency; nil means healthy.
type Check func(ctx context.Context) error

// Handler evaluates named readiness checks. Safe for concurrent use once
// serving; the check set is fixed by the Register calls made before then.
type Handler struct {
	checks map[string]Check
	order  []string
}

// New creates a Handler with no checks. Add them with Register before serving.
func New() *Handler {
	return &Handler{checks: make(map[string]Check)}
}

// Register adds a named readiness check. Not safe to call once serving.
func (h *Handler) Register(name string, check Check) {
	if _, dup := h.checks[name]; !dup {
		h.order = append(h.order, name)
	}
	h.checks[name] = check
}

// Mount attaches /healthz and /readyz to mux.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/readyz", h.readyz)
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	resp := response{Status: "ok", Checks: make(map[string]string, len(h.order))}
	status := http.StatusOK

	for _, name := range h.order {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := h.checks[name](ctx)
		cancel()
		if err != nil {
			resp.Status = "fail"
			resp.Checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
