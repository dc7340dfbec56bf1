package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlimit/api/internal/breaker"
	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/internal/override"
	"github.com/openlimit/api/internal/policy"
	"github.com/openlimit/api/internal/trust"
	"github.com/openlimit/api/pkg/logger"
)

// fakeCounter admits until a per-key count exceeds the limit. It tracks
// every key it was asked about so tests can assert scope evaluation.
type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	keys   []limiter.Key
	err    error
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: make(map[string]int)}
}

func (f *fakeCounter) IncrementAndCheck(_ context.Context, key limiter.Key, limit int, window time.Duration) (limiter.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return limiter.Result{}, f.err
	}

	f.keys = append(f.keys, key)
	f.counts[key.String()]++
	count := f.counts[key.String()]

	if count > limit {
		f.counts[key.String()]-- // denied requests consume no quota
		return limiter.Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: 3 * time.Second,
			Reset:      window / 2,
		}, nil
	}
	return limiter.Result{
		Allowed:   true,
		Remaining: limit - count,
		Reset:     window / 2,
	}, nil
}

func (f *fakeCounter) Reset(_ context.Context, environment string, scope limiter.Scope, identifier string, window time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := limiter.BucketFor(time.Now(), window)
	key := limiter.BuildKey(environment, scope, identifier, bucket)
	delete(f.counts, key.String())
	delete(f.counts, key.Previous().String())
	return nil
}

// fakeOverrides is a stub OverrideChecker.
type fakeOverrides struct {
	record    *override.Record
	lookupErr error
	auditErr  error
	used      int
}

func (f *fakeOverrides) IsBypassed(context.Context, string, string) (*override.Record, error) {
	return f.record, f.lookupErr
}

func (f *fakeOverrides) RecordBypassUse(context.Context, *override.Record, string) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	f.used++
	return nil
}

type testEnv struct {
	counter   *fakeCounter
	overrides *fakeOverrides
	breaker   *breaker.Breaker
	policies  *policy.Store
	handler   http.Handler
	nextHits  int
}

const testPolicies = `
defaults:
  base_rate: 30
  burst_rate: 60
  window_seconds: 60

policies:
  - industry_tag: cinema
    scope: tenant
    base_rate: 300
    burst_rate: 500
    window_seconds: 60

  - industry_tag: cinema
    scope: user
    base_rate: 3
    burst_rate: 5
    window_seconds: 60

  - scope: ip
    base_rate: 2
    burst_rate: 4
    window_seconds: 60
`

func newTestEnv(t *testing.T, mutate func(*EnforcerConfig)) *testEnv {
	t.Helper()

	env := &testEnv{
		counter:   newFakeCounter(),
		overrides: &fakeOverrides{},
		breaker: breaker.New(breaker.Options{
			FailureThreshold: 2,
			Cooldown:         time.Minute,
			HalfOpenProbes:   1,
		}),
		policies: policy.NewStore(logger.NewNop()),
	}
	require.NoError(t, env.policies.Load([]byte(testPolicies)))

	trustResolver, err := trust.NewResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	cfg := EnforcerConfig{
		Environment: "production",
		Policies:    env.policies,
		Counter:     env.counter,
		Breaker:     env.breaker,
		Overrides:   env.overrides,
		Trust:       trustResolver,
		ExemptPaths: []string{"/healthz", "/metrics"},
		Enabled:     true,
		Logger:      logger.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	enforcer, err := NewEnforcer(cfg)
	require.NoError(t, err)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.nextHits++
		w.WriteHeader(http.StatusOK)
	})
	env.handler = AuthContext()(enforcer.Middleware()(next))
	return env
}

type requestOpts struct {
	path     string
	remote   string
	xff      string
	tenantID string
	userID   string
	industry string
}

func (env *testEnv) do(opts requestOpts) *httptest.ResponseRecorder {
	if opts.path == "" {
		opts.path = "/api/things"
	}
	if opts.remote == "" {
		opts.remote = "203.0.113.7:50000"
	}

	req := httptest.NewRequest(http.MethodGet, opts.path, nil)
	req.RemoteAddr = opts.remote
	if opts.xff != "" {
		req.Header.Set("X-Forwarded-For", opts.xff)
	}
	if opts.tenantID != "" {
		req.Header.Set(HeaderTenantID, opts.tenantID)
	}
	if opts.userID != "" {
		req.Header.Set(HeaderUserID, opts.userID)
	}
	if opts.industry != "" {
		req.Header.Set(HeaderIndustry, opts.industry)
	}

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEnforcerAdmitsWithinLimit(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.nextHits)
	// User scope has the tightest remaining quota (burst 5).
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Policy"))
}

func TestEnforcerEvaluatesScopesNarrowestFirst(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})

	require.Len(t, env.counter.keys, 3)
	assert.Equal(t, limiter.ScopeUser, env.counter.keys[0].Scope)
	assert.Equal(t, limiter.ScopeTenant, env.counter.keys[1].Scope)
	assert.Equal(t, limiter.ScopeIP, env.counter.keys[2].Scope)
	assert.Equal(t, "u1", env.counter.keys[0].Identifier)
	assert.Equal(t, "t1", env.counter.keys[1].Identifier)
	assert.Equal(t, "203.0.113.7", env.counter.keys[2].Identifier)
}

func TestEnforcerDeniesWhenUserScopeExhausted(t *testing.T) {
	env := newTestEnv(t, nil)
	opts := requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"}

	// User burst is 5; the sixth request is denied at the user scope
	// before tenant or ip are touched.
	for i := 0; i < 5; i++ {
		rec := env.do(opts)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	keysBefore := len(env.counter.keys)

	rec := env.do(opts)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, keysBefore+1, len(env.counter.keys))
	assert.Equal(t, 5, env.nextHits)

	body := decodeError(t, rec)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "user", body["scope"])
	assert.EqualValues(t, 3, body["retry_after"])

	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestEnforcerDenialIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	opts := requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"}

	for i := 0; i < 5; i++ {
		env.do(opts)
	}

	// Repeated denied requests must not consume quota: they keep being
	// denied at exactly the same count.
	for i := 0; i < 10; i++ {
		rec := env.do(opts)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	}

	userKey := env.counter.keys[0].String()
	assert.Equal(t, 5, env.counter.counts[userKey])
}

func TestEnforcerTenantIsolation(t *testing.T) {
	env := newTestEnv(t, nil)

	// Exhaust u1's quota in t1.
	for i := 0; i < 6; i++ {
		env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})
	}

	// A different user and tenant is unaffected.
	rec := env.do(requestOpts{tenantID: "t2", userID: "u2", industry: "cinema", remote: "203.0.113.8:1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnforcerAnonymousRequestUsesIPScopeOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(requestOpts{})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, env.counter.keys, 1)
	assert.Equal(t, limiter.ScopeIP, env.counter.keys[0].Scope)
	// The ip policy: burst 4.
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Limit"))
}

func TestEnforcerSpoofedForwardedForIsIgnored(t *testing.T) {
	env := newTestEnv(t, nil)

	// Direct (untrusted) client spoofing X-Forwarded-For; all requests
	// must be attributed to its peer address.
	for i := 0; i < 4; i++ {
		rec := env.do(requestOpts{remote: "203.0.113.7:1", xff: "1.2.3.4"})
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(requestOpts{remote: "203.0.113.7:1", xff: "5.6.7.8"})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	for _, key := range env.counter.keys {
		assert.Equal(t, "203.0.113.7", key.Identifier)
	}
}

func TestEnforcerTrustedProxyChainResolvesClient(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(requestOpts{remote: "10.0.0.5:1", xff: "203.0.113.9, 10.0.1.1"})

	require.Len(t, env.counter.keys, 1)
	assert.Equal(t, "203.0.113.9", env.counter.keys[0].Identifier)
}

func TestEnforcerFailsClosedOnStoreError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.counter.err = errors.New("connection refused")

	rec := env.do(requestOpts{userID: "u1"})

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 0, env.nextHits)

	body := decodeError(t, rec)
	assert.Equal(t, "rate_limiter_unavailable", body["error"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestEnforcerBreakerOpensAfterRepeatedStoreErrors(t *testing.T) {
	env := newTestEnv(t, nil)
	env.counter.err = errors.New("timeout")

	// Threshold is 2: two failing requests open the breaker.
	env.do(requestOpts{userID: "u1"})
	env.do(requestOpts{userID: "u1"})
	require.Equal(t, breaker.StateOpen, env.breaker.State())

	// The store recovers, but while open no call reaches it.
	env.counter.err = nil
	keysBefore := len(env.counter.keys)

	rec := env.do(requestOpts{userID: "u1"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, keysBefore, len(env.counter.keys))
}

func TestEnforcerExemptPathsSkipEnforcement(t *testing.T) {
	env := newTestEnv(t, nil)
	env.counter.err = errors.New("store down")

	for _, path := range []string{"/healthz", "/metrics"} {
		rec := env.do(requestOpts{path: path})
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Empty(t, env.counter.keys)
}

func TestEnforcerDisabledPassesThrough(t *testing.T) {
	env := newTestEnv(t, func(cfg *EnforcerConfig) {
		cfg.Enabled = false
	})

	rec := env.do(requestOpts{userID: "u1"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.counter.keys)
}

func TestEnforcerBypassAdmitsAndAudits(t *testing.T) {
	env := newTestEnv(t, nil)
	env.overrides.record = &override.Record{
		Target:   override.TargetTenant,
		TargetID: "t1",
	}

	rec := env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tenant", rec.Header().Get("X-RateLimit-Bypass"))
	assert.Equal(t, 1, env.overrides.used)
	// Counters untouched while bypassed.
	assert.Empty(t, env.counter.keys)
}

func TestEnforcerBypassLookupErrorEnforcesNormally(t *testing.T) {
	env := newTestEnv(t, nil)
	env.overrides.lookupErr = errors.New("redis down for overrides")

	rec := env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, env.counter.keys, 3)
}

func TestEnforcerBypassAuditFailureEnforcesNormally(t *testing.T) {
	env := newTestEnv(t, nil)
	env.overrides.record = &override.Record{Target: override.TargetGlobal}
	env.overrides.auditErr = errors.New("audit list unavailable")

	rec := env.do(requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"})

	// A bypass whose audit entry cannot be written is not honored.
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Bypass"))
	assert.Len(t, env.counter.keys, 3)
}

func TestEnforcerResetRestoresFullQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	opts := requestOpts{tenantID: "t1", userID: "u1", industry: "cinema"}

	for i := 0; i < 6; i++ {
		env.do(opts)
	}
	rec := env.do(opts)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	require.NoError(t, env.counter.Reset(context.Background(), "production", limiter.ScopeUser, "u1", time.Minute))

	rec = env.do(opts)
	assert.Equal(t, http.StatusOK, rec.Code)
	// First request after reset sees the full window minus itself.
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestEnforcerDenialAtWiderScopeKeepsNarrowerCharge(t *testing.T) {
	env := newTestEnv(t, nil)
	// No industry tag: the user scope runs on the 60-burst defaults
	// while the bare ip entry allows only 4 per window.
	opts := requestOpts{userID: "u9"}

	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusOK, env.do(opts).Code)
	}

	rec := env.do(opts)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ip", body["scope"])

	// Reverts are per counter. The user scope admitted the request
	// before the ip scope denied it, so its increment stands and the
	// denied request still consumed user quota.
	userKey := limiter.BuildKey("production", limiter.ScopeUser, "u9", limiter.BucketFor(time.Now(), time.Minute))
	ipKey := limiter.BuildKey("production", limiter.ScopeIP, "203.0.113.7", limiter.BucketFor(time.Now(), time.Minute))
	env.counter.mu.Lock()
	defer env.counter.mu.Unlock()
	assert.Equal(t, 5, env.counter.counts[userKey.String()])
	assert.Equal(t, 4, env.counter.counts[ipKey.String()])
}

func TestNewEnforcerValidation(t *testing.T) {
	_, err := NewEnforcer(EnforcerConfig{})
	assert.Error(t, err)
}
