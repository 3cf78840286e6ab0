// Package health serves liveness and readiness probes.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status response
type Status struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Handler handles health check endpoints. Readiness requires every
// registered check to be ready and the startup grace period to be over.
type Handler struct {
	mu           sync.RWMutex
	checks       map[string]bool
	startTime    time.Time
	startupGrace time.Duration
}

// NewHandler creates a new health handler
func NewHandler() *Handler {
	return &Handler{
		checks:       make(map[string]bool),
		startTime:    time.Now(),
		startupGrace: 5 * time.Second,
	}
}

// SetStartupGrace overrides how long readiness reports startup in progress
func (h *Handler) SetStartupGrace(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startupGrace = d
}

// SetReady records the readiness of a named component, e.g. "collector"
func (h *Handler) SetReady(name string, ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = ready
}

// Ready reports whether all checks pass
func (h *Handler) Ready() (bool, map[string]string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	checks := make(map[string]string, len(h.checks)+1)
	allHealthy := true

	for name, ready := range h.checks {
		if ready {
			checks[name] = "healthy"
		} else {
			checks[name] = "not_ready"
			allHealthy = false
		}
	}

	if time.Since(h.startTime) >= h.startupGrace {
		checks["startup"] = "complete"
	} else {
		checks["startup"] = "in_progress"
		allHealthy = false
	}
	return allHealthy, checks
}

// HandleLive handles the liveness probe
// Returns 200 if the application is running
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

// HandleReady handles the readiness probe
// Returns 200 if the application is ready to serve traffic
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	ready, checks := h.Ready()
	status := Status{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")

	if ready {
		status.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		status.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(status)
}

// HandleHealth handles the combined health endpoint (for Docker HEALTHCHECK)
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.HandleReady(w, r)
}

// Register mounts the probes on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/health/live", h.HandleLive)
	mux.HandleFunc("/health/ready", h.HandleReady)
}
