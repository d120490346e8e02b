package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/kv"
)

// HealthHandler reports gateway liveness. The KV store is the only hard
// dependency probed: publishers, aggregators and the fullnode degrade
// per-request and do not gate readiness.
type HealthHandler struct {
	kv kv.Store
}

// NewHealthHandler creates a health handler over the given store.
func NewHealthHandler(store kv.Store) *HealthHandler {
	return &HealthHandler{kv: store}
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.kv.Ping(ctx); err != nil {
		logger.Error("health check failed", logger.Err(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"kv":     "down",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"kv":     "up",
	})
}
