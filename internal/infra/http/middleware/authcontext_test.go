package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/openlimit/api/pkg/logger"
)

func TestAuthContextPropagatesHeaders(t *testing.T) {
	var tenantID, userID, industry string
	var admin bool

	h := AuthContext()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID = GetTenantID(r.Context())
		userID = GetUserID(r.Context())
		industry = GetIndustryTag(r.Context())
		admin = IsAdmin(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderTenantID, "t1")
	req.Header.Set(HeaderUserID, "u1")
	req.Header.Set(HeaderIndustry, "cinema")
	req.Header.Set(HeaderAdmin, "true")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "t1", tenantID)
	assert.Equal(t, "u1", userID)
	assert.Equal(t, "cinema", industry)
	assert.True(t, admin)
}

func TestAuthContextMissingHeaders(t *testing.T) {
	h := AuthContext()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, GetTenantID(r.Context()))
		assert.False(t, IsAdmin(r.Context()))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestRequireAdmin(t *testing.T) {
	called := false
	h := AuthContext()(RequireAdmin()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})))

	// Without the admin header the request is refused.
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/overrides/bypass", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called)

	// A non-"true" value does not grant admin.
	req := httptest.NewRequest(http.MethodPost, "/admin/overrides/bypass", nil)
	req.Header.Set(HeaderAdmin, "1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req.Header.Set(HeaderAdmin, "true")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, called)
}

func TestAdminWriteLimiter(t *testing.T) {
	l := NewAdminWriteLimiter(3, logger.NewNop())
	defer l.Stop()

	h := AuthContext()(l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	do := func(actor string) int {
		req := httptest.NewRequest(http.MethodPost, "/admin/overrides/bypass", nil)
		req.Header.Set(HeaderUserID, actor)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	// Burst of 3 per actor, then denied.
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do("admin-1"))
	}
	assert.Equal(t, http.StatusTooManyRequests, do("admin-1"))

	// Another actor has its own bucket.
	assert.Equal(t, http.StatusOK, do("admin-2"))
}
