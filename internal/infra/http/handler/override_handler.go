// Package handler implements the admin override API and health
// endpoints.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openlimit/api/internal/infra/http/middleware"
	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/internal/override"
	"github.com/openlimit/api/internal/policy"
	"github.com/openlimit/api/pkg/apierror"
	"github.com/openlimit/api/pkg/logger"
)

// OverrideHandler exposes the emergency override operations. All routes
// sit behind RequireAdmin and the admin write limiter.
type OverrideHandler struct {
	store    *override.Store
	policies *policy.Store
	validate *validator.Validate
	log      *logger.Logger
}

// NewOverrideHandler creates the admin override handler.
func NewOverrideHandler(store *override.Store, policies *policy.Store, log *logger.Logger) *OverrideHandler {
	return &OverrideHandler{
		store:    store,
		policies: policies,
		validate: validator.New(),
		log:      log,
	}
}

// BypassRequest is the body of POST /admin/overrides/bypass.
type BypassRequest struct {
	Target     string `json:"target" validate:"required,oneof=global tenant user"`
	TargetID   string `json:"target_id" validate:"required_unless=Target global"`
	TTLSeconds int    `json:"ttl" validate:"required,gt=0,lte=86400"`
	Reason     string `json:"reason" validate:"required,max=512"`
}

// BypassResponse echoes the created record.
type BypassResponse struct {
	Target    override.Target `json:"target"`
	TargetID  string          `json:"target_id,omitempty"`
	ExpiresAt time.Time       `json:"expires_at"`
	CreatedBy string          `json:"created_by"`
}

// CreateBypass handles POST /admin/overrides/bypass.
func (h *OverrideHandler) CreateBypass(w http.ResponseWriter, r *http.Request) {
	var req BypassRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	target, err := override.ParseTarget(req.Target)
	if err != nil {
		apierror.BadRequest(err.Error()).WriteJSON(w)
		return
	}

	actor := middleware.GetUserID(r.Context())
	rec, err := h.store.CreateBypass(r.Context(), target, req.TargetID,
		time.Duration(req.TTLSeconds)*time.Second, actor, req.Reason)
	if err != nil {
		h.log.Error("bypass create failed", "error", err, "target", req.Target)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	respondJSON(w, http.StatusCreated, BypassResponse{
		Target:    rec.Target,
		TargetID:  rec.TargetID,
		ExpiresAt: rec.ExpiresAt,
		CreatedBy: rec.CreatedBy,
	})
}

// ResetRequest is the body of POST /admin/overrides/reset.
type ResetRequest struct {
	Scope      string `json:"scope" validate:"required,oneof=tenant user ip"`
	Identifier string `json:"identifier" validate:"required"`
}

// Reset handles POST /admin/overrides/reset. It zeroes the current and
// previous window counters so the identifier's next request starts a
// fresh quota.
func (h *OverrideHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeJSON(w, r, h.validate, &req); err != nil {
		writeValidationError(w, err)
		return
	}

	scope, err := limiter.ParseScope(req.Scope)
	if err != nil {
		apierror.BadRequest(err.Error()).WriteJSON(w)
		return
	}

	// The lockout may have been charged under any policy governing the
	// scope, and those policies can carry different window lengths.
	// Clearing every configured window guarantees the reset lands.
	windows := h.policies.Windows(scope)

	actor := middleware.GetUserID(r.Context())
	if err := h.store.Reset(r.Context(), scope, req.Identifier, windows, actor); err != nil {
		h.log.Error("counter reset failed", "error", err, "scope", req.Scope, "identifier", req.Identifier)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":     "reset",
		"scope":      req.Scope,
		"identifier": req.Identifier,
	})
}

// Audit handles GET /admin/overrides/audit?target_id=&limit=.
func (h *OverrideHandler) Audit(w http.ResponseWriter, r *http.Request) {
	targetID := r.URL.Query().Get("target_id")
	if targetID == "" {
		apierror.BadRequest("target_id query parameter is required").WriteJSON(w)
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			apierror.BadRequest("limit must be a positive integer").WriteJSON(w)
			return
		}
		limit = n
	}

	entries, err := h.store.Audit(r.Context(), targetID, limit)
	if err != nil {
		h.log.Error("audit read failed", "error", err, "target_id", targetID)
		apierror.InternalError(err).WriteJSON(w)
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"target_id": targetID,
		"entries":   entries,
	})
}
