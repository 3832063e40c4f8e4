package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
)

// healthcheckPath is exempt from host parsing and authentication so load
// balancers can probe the gateway on any host.
const healthcheckPath = "/healthcheck"

// HealthResponse is the JSON response from the /healthcheck endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version,omitempty"`
}

// HealthChecker reports gateway liveness. It never calls the control plane:
// the gateway is healthy as long as it can accept and classify requests,
// even while the control plane is down.
type HealthChecker struct {
	version string
	ready   atomic.Bool
}

// NewHealthChecker creates a HealthChecker. The gateway reports unhealthy
// until SetReady is called after the listeners are up.
func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{version: version}
}

// SetReady marks the gateway as ready to serve traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// Check reports the current health status.
func (h *HealthChecker) Check() HealthResponse {
	checks := map[string]string{
		"goroutines": fmt.Sprintf("%d", runtime.NumGoroutine()),
	}

	status := "healthy"
	if !h.ready.Load() {
		status = "unhealthy"
		checks["listener"] = "not ready"
	} else {
		checks["listener"] = "ok"
	}

	return HealthResponse{
		Status:  status,
		Checks:  checks,
		Version: h.version,
	}
}

// Handler returns an HTTP handler for the healthcheck endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check()

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		_ = json.NewEncoder(w).Encode(health)
	})
}
