package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger reports whether the durable backing is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthzHandler handles health check endpoints
type HealthzHandler struct {
	store Pinger
}

// NewHealthzHandler creates a new healthz handler
func NewHealthzHandler(store Pinger) *HealthzHandler {
	return &HealthzHandler{store: store}
}

// Live handles GET /healthz/live - liveness probe (process is alive)
func (h *HealthzHandler) Live(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// Ready handles GET /healthz/ready - readiness probe (event store is reachable)
func (h *HealthzHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.store != nil {
		if err := h.store.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status": "unhealthy",
				"reason": "store_unavailable",
				"error":  err.Error(),
			})
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}
