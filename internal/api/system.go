package api

import (
	"context"
	"net/http"
	"time"
)

// HealthFunc reports whether the job store is reachable.
type HealthFunc func(ctx context.Context) error

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	Instance      string `json:"instance"`
	Store         string `json:"store"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Error         string `json:"error,omitempty"`
}

// SystemHandler serves liveness information.
type SystemHandler struct {
	instance string
	store    string
	check    HealthFunc
	start    time.Time
}

// NewSystemHandler creates a SystemHandler. check may be nil.
func NewSystemHandler(instance, store string, check HealthFunc) *SystemHandler {
	return &SystemHandler{instance: instance, store: store, check: check, start: time.Now()}
}

// Health handles GET /healthz.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:        "ok",
		Instance:      h.instance,
		Store:         h.store,
		UptimeSeconds: int64(time.Since(h.start).Seconds()),
	}
	if h.check != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.check(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}
