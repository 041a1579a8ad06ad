package handlers

import (
	"context"
	"net/http"
	"time"
)

const checkTimeout = 5 * time.Second

// Check probes one dependency
type Check struct {
	Name string
	// Critical checks gate readiness
	Critical bool
	Probe    func(ctx context.Context) error
}

type HealthHandler struct {
	checks []Check
}

func NewHealthHandler(checks ...Check) *HealthHandler {
	return &HealthHandler{checks: checks}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) run(ctx context.Context) (healthResponse, bool) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string, len(h.checks)),
	}
	ready := true

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	for _, c := range h.checks {
		if err := c.Probe(ctx); err != nil {
			response.Services[c.Name] = "unhealthy"
			response.Status = "degraded"
			if c.Critical {
				ready = false
			}
			continue
		}
		response.Services[c.Name] = "healthy"
	}
	return response, ready
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response, _ := h.run(r.Context())
	status := http.StatusOK
	if response.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if _, ready := h.run(r.Context()); !ready {
		http.Error(w, "Service not ready", http.StatusServiceUnavailable)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
