package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthChecker manages liveness and readiness state.
// Readiness additionally reports the hardware link through an optional probe.
type HealthChecker struct {
	ready     atomic.Bool
	startTime time.Time
	linkProbe func() bool
}

// NewHealthChecker creates a new health checker.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		startTime: time.Now(),
	}
}

// SetReady marks the service as ready to accept traffic.
func (h *HealthChecker) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns whether the service is ready.
func (h *HealthChecker) IsReady() bool {
	return h.ready.Load()
}

// SetLinkProbe registers the connectivity check shown in readiness output.
// Must be called before the handlers are served.
func (h *HealthChecker) SetLinkProbe(probe func() bool) {
	h.linkProbe = probe
}

// LivenessHandler returns HTTP 200 while the process is running.
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "alive",
		"uptime": time.Since(h.startTime).String(),
	})
}

// ReadinessHandler returns HTTP 200 once the ledger is loaded and the
// servers are up, 503 before that. A disconnected link does not make the
// service unready: balances and top-ups keep working without it.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{}
	if h.linkProbe != nil {
		body["link_connected"] = h.linkProbe()
	}

	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		body["status"] = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		body["status"] = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(body)
}
