package middleware

import (
	"context"
	"net/http"

	"github.com/openlimit/api/pkg/apierror"
	"github.com/openlimit/api/pkg/logger"
)

// Auth-related context keys - use logger.ContextKey for consistency.
// The limiter performs no authentication itself; the upstream auth
// gateway validates the caller and injects these headers. The limiter
// trusts them completely.
const (
	TenantIDKey = logger.ContextKeyTenantID
	UserIDKey   = logger.ContextKeyUserID
)

const (
	IndustryKey logger.ContextKey = "industry_tag"
	IsAdminKey  logger.ContextKey = "is_admin"
)

// Headers carrying the validated auth context from the gateway.
const (
	HeaderTenantID = "X-Auth-Tenant-ID"
	HeaderUserID   = "X-Auth-User-ID"
	HeaderIndustry = "X-Auth-Industry"
	HeaderAdmin    = "X-Auth-Admin"
)

// AuthContext copies the validated auth headers into the request
// context.
func AuthContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if v := r.Header.Get(HeaderTenantID); v != "" {
				ctx = context.WithValue(ctx, TenantIDKey, v)
			}
			if v := r.Header.Get(HeaderUserID); v != "" {
				ctx = context.WithValue(ctx, UserIDKey, v)
			}
			if v := r.Header.Get(HeaderIndustry); v != "" {
				ctx = context.WithValue(ctx, IndustryKey, v)
			}
			if r.Header.Get(HeaderAdmin) == "true" {
				ctx = context.WithValue(ctx, IsAdminKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantID extracts the tenant ID from context.
func GetTenantID(ctx context.Context) string {
	if v, ok := ctx.Value(TenantIDKey).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts the user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetIndustryTag extracts the industry tag from context.
func GetIndustryTag(ctx context.Context) string {
	if v, ok := ctx.Value(IndustryKey).(string); ok {
		return v
	}
	return ""
}

// IsAdmin reports whether the request carries admin authorization.
func IsAdmin(ctx context.Context) bool {
	v, ok := ctx.Value(IsAdminKey).(bool)
	return ok && v
}

// RequireAdmin rejects requests without admin authorization.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !IsAdmin(r.Context()) {
				apierror.Forbidden("").WriteJSON(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
