package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// HealthResponse is the JSON body of /healthz.
type HealthResponse struct {
	Status  string            `json:"status"` // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// Pinger is a dependency that can report liveness (the redis client, the
// sqlite catalog).
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker probes named dependencies for the /healthz endpoint.
type HealthChecker struct {
	version string
	checks  map[string]Pinger
}

// NewHealthChecker creates a checker; register dependencies with AddCheck.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version, checks: make(map[string]Pinger)}
}

// AddCheck registers a named dependency probe. Nil pingers are ignored.
func (h *HealthChecker) AddCheck(name string, p Pinger) {
	if p != nil {
		h.checks[name] = p
	}
}

// Check probes every dependency with a short per-probe deadline.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true
	for name, p := range h.checks {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := p.Ping(probeCtx); err != nil {
			checks[name] = fmt.Sprintf("unreachable: %v", err)
			healthy = false
		} else {
			checks[name] = "ok"
		}
		cancel()
	}
	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns the /healthz endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())
		status := http.StatusOK
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		respondJSON(w, status, health)
	})
}
