package apierror

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	RateLimited(42, "tenant").WriteJSON(rec)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, map[string]any{
		"error":       "rate_limited",
		"retry_after": float64(42),
		"scope":       "tenant",
	}, body)
}

func TestRateLimitedFloorsRetryAfter(t *testing.T) {
	e := RateLimited(0, "user")
	assert.Equal(t, 1, e.RetryAfter)
}

func TestLimiterUnavailableWireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	LimiterUnavailable(5).WriteJSON(rec)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limiter_unavailable", body["error"])
	assert.NotContains(t, rec.Body.String(), "redis")
}

func TestInternalErrorHidesCause(t *testing.T) {
	rec := httptest.NewRecorder()
	InternalError(errors.New("dial tcp 10.0.0.9:6379: connection refused")).WriteJSON(rec)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "10.0.0.9")
}

func TestFromError(t *testing.T) {
	assert.Nil(t, FromError(nil))

	orig := NotFound("policy")
	assert.Same(t, orig, FromError(orig))

	wrapped := FromError(errors.New("boom"))
	assert.Equal(t, CodeInternalError, wrapped.Code)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	e := Wrap(cause, http.StatusBadGateway, CodeInternalError, "upstream")
	assert.ErrorIs(t, e, cause)
}
