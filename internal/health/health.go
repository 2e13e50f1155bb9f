// Package health provides HTTP liveness and readiness handlers for the
// metrics listener.
//
//   - /healthz: liveness probe; always returns 200 OK.
//   - /readyz: readiness probe; 200 only when every registered [Checker]
//     passes (in Quill's case, that the database answers queries and the
//     scratch directory is writable).
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/quillaudio/quill/pkg/types"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name appears as a key in the JSON response (e.g. "database").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// sessionLister is the slice of the store the database checker needs.
type sessionLister interface {
	ListSessions(ctx context.Context) ([]types.Session, error)
}

// Database returns a Checker that verifies the store answers queries.
func Database(st sessionLister) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			_, err := st.ListSessions(ctx)
			return err
		},
	}
}

// Scratch returns a Checker that verifies the session scratch directory is
// writable. Recording cannot proceed without it.
func Scratch(dir string) Checker {
	return Checker{
		Name: "scratch",
		Check: func(_ context.Context) error {
			f, err := os.CreateTemp(dir, ".readyz-*")
			if err != nil {
				return err
			}
			name := f.Name()
			if err := f.Close(); err != nil {
				return err
			}
			return os.Remove(name)
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. Safe for concurrent use; the checker
// list is fixed at construction.
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

// Healthz always returns 200 OK: a process that can serve HTTP is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every checker passes. Each check runs with a
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	status := http.StatusOK
	res := result{Status: "ok"}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
		} else {
			checks[c.Name] = "ok"
		}
	}

	res.Checks = checks
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
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
