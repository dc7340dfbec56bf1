package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/openlimit/api/internal/breaker"
	"github.com/openlimit/api/internal/policy"
)

// Pinger reports backing store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports service health: redis reachability, breaker
// state and the loaded policy version.
type HealthHandler struct {
	redis    Pinger
	breaker  *breaker.Breaker
	policies *policy.Store
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(redis Pinger, brk *breaker.Breaker, policies *policy.Store) *HealthHandler {
	return &HealthHandler{redis: redis, breaker: brk, policies: policies}
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status        string    `json:"status"`
	Redis         string    `json:"redis"`
	BreakerState  string    `json:"breaker_state"`
	PolicyVersion int64     `json:"policy_version"`
	Timestamp     time.Time `json:"timestamp"`
}

// Health handles GET /healthz. The endpoint stays reachable while the
// breaker is open; it is how operators see that the limiter is failing
// closed.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	resp := HealthResponse{
		Status:        "healthy",
		Redis:         "up",
		BreakerState:  h.breaker.State().String(),
		PolicyVersion: h.policies.Version(),
		Timestamp:     time.Now().UTC(),
	}

	if err := h.redis.Ping(ctx); err != nil {
		resp.Status = "degraded"
		resp.Redis = "down"
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}
