package middleware

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openlimit/api/internal/breaker"
	redisinfra "github.com/openlimit/api/internal/infra/redis"
	"github.com/openlimit/api/internal/limiter"
	"github.com/openlimit/api/internal/override"
	"github.com/openlimit/api/internal/policy"
	"github.com/openlimit/api/internal/trust"
	"github.com/openlimit/api/pkg/apierror"
	"github.com/openlimit/api/pkg/logger"
)

// OverrideChecker is the slice of the override store the enforcement
// path needs; narrow so tests can substitute a fake.
type OverrideChecker interface {
	IsBypassed(ctx context.Context, tenantID, userID string) (*override.Record, error)
	RecordBypassUse(ctx context.Context, rec *override.Record, requestID string) error
}

// EnforcerConfig wires the enforcement middleware.
type EnforcerConfig struct {
	// Environment is embedded in every counter key.
	Environment string

	// Policies resolves (industry, route class, scope) to a policy.
	Policies *policy.Store

	// Counter is the atomic sliding-window admission operation.
	Counter limiter.Counter

	// Breaker is the fail-closed governor around counter calls.
	Breaker *breaker.Breaker

	// Overrides is consulted for emergency bypasses before normal
	// enforcement. Optional; nil disables the override path.
	Overrides OverrideChecker

	// Trust resolves the real client address.
	Trust *trust.Resolver

	// RouteClassifier maps a request to its route class for policy
	// lookup. Defaults to the first path segment.
	RouteClassifier func(r *http.Request) string

	// ExemptPaths are path prefixes that skip enforcement entirely,
	// including while the breaker is open.
	ExemptPaths []string

	// Enabled turns enforcement on. When false the middleware is a
	// pass-through.
	Enabled bool

	Logger *logger.Logger
}

// Enforcer is the request-path component tying identity resolution,
// policy lookup, override checks and the sliding window counter
// together. Each request terminates in exactly one of three outcomes:
// admitted, denied (429) or unavailable (503, fail closed).
type Enforcer struct {
	cfg EnforcerConfig
	log *logger.Logger
}

// NewEnforcer validates the configuration and builds an Enforcer.
func NewEnforcer(cfg EnforcerConfig) (*Enforcer, error) {
	if cfg.Environment == "" {
		return nil, errors.New("environment is required")
	}
	if cfg.Policies == nil {
		return nil, errors.New("policy store is required")
	}
	if cfg.Counter == nil {
		return nil, errors.New("counter is required")
	}
	if cfg.Breaker == nil {
		return nil, errors.New("breaker is required")
	}
	if cfg.Trust == nil {
		return nil, errors.New("trust resolver is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.RouteClassifier == nil {
		cfg.RouteClassifier = defaultRouteClassifier
	}
	return &Enforcer{cfg: cfg, log: cfg.Logger}, nil
}

// scopeCheck is one evaluated (scope, policy, result) triple.
type scopeCheck struct {
	scope  limiter.Scope
	policy policy.Policy
	result limiter.Result
}

// Middleware returns the enforcement middleware.
func (e *Enforcer) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !e.cfg.Enabled || e.isExempt(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			ctx := r.Context()
			identity := e.cfg.Trust.Resolve(r.RemoteAddr, r.Header.Get("X-Forwarded-For"))
			tenantID := GetTenantID(ctx)
			userID := GetUserID(ctx)
			industry := GetIndustryTag(ctx)
			routeClass := e.cfg.RouteClassifier(r)

			if e.checkBypass(w, r, next, tenantID, userID) {
				return
			}

			// Evaluate narrowest scope first: an abusive user must not
			// hide behind tenant headroom, and an abusive IP is blocked
			// regardless of which user it presents.
			var checks []scopeCheck
			for _, scope := range limiter.EnforcementOrder {
				identifier := identifierFor(scope, tenantID, userID, identity)
				if identifier == "" {
					continue
				}

				pol := e.cfg.Policies.Resolve(industry, routeClass, scope)
				result, err := e.evaluate(ctx, scope, identifier, pol)
				if err != nil {
					e.failClosed(w, r, err)
					return
				}

				checks = append(checks, scopeCheck{scope: scope, policy: pol, result: result})
				if !result.Allowed {
					e.deny(w, r, scope, pol, result)
					return
				}
			}

			writeQuotaHeaders(w, tightest(checks))
			next.ServeHTTP(w, r)
		})
	}
}

// checkBypass consults the override store. It returns true when the
// request was fully handled (admitted through a bypass). Override store
// failures degrade to normal enforcement: over-restriction is the safe
// direction.
func (e *Enforcer) checkBypass(w http.ResponseWriter, r *http.Request, next http.Handler, tenantID, userID string) bool {
	if e.cfg.Overrides == nil {
		return false
	}

	ctx := r.Context()
	rec, err := e.cfg.Overrides.IsBypassed(ctx, tenantID, userID)
	if err != nil {
		e.log.Error("override lookup failed, enforcing normally",
			"error", err,
			"request_id", GetRequestID(ctx),
		)
		return false
	}
	if rec == nil {
		return false
	}

	// The audit entry must be durable before the bypassed response is
	// returned. If it cannot be written the bypass is not honored.
	if err := e.cfg.Overrides.RecordBypassUse(ctx, rec, GetRequestID(ctx)); err != nil {
		e.log.Error("bypass audit write failed, enforcing normally",
			"error", err,
			"target", rec.Target,
			"target_id", rec.TargetID,
		)
		return false
	}

	redisinfra.DefaultMetrics.RecordBypass()
	w.Header().Set("X-RateLimit-Bypass", string(rec.Target))
	next.ServeHTTP(w, r)
	return true
}

// evaluate runs one scope's admission check through the breaker.
func (e *Enforcer) evaluate(ctx context.Context, scope limiter.Scope, identifier string, pol policy.Policy) (limiter.Result, error) {
	if !e.cfg.Breaker.Allow() {
		redisinfra.DefaultMetrics.SetBreakerState(int(e.cfg.Breaker.State()))
		return limiter.Result{}, errStoreUnavailable
	}

	window := pol.Window()
	key := limiter.BuildKey(e.cfg.Environment, scope, identifier, limiter.BucketFor(time.Now(), window))

	// Burst rate is the hard ceiling; base rate is advisory only.
	result, err := e.cfg.Counter.IncrementAndCheck(ctx, key, pol.BurstRate, window)
	if err != nil {
		e.cfg.Breaker.OnFailure()
		redisinfra.DefaultMetrics.SetBreakerState(int(e.cfg.Breaker.State()))
		return limiter.Result{}, err
	}
	e.cfg.Breaker.OnSuccess()
	redisinfra.DefaultMetrics.SetBreakerState(int(e.cfg.Breaker.State()))
	return result, nil
}

var errStoreUnavailable = errors.New("rate limit store unavailable")

// deny writes the 429 response.
func (e *Enforcer) deny(w http.ResponseWriter, r *http.Request, scope limiter.Scope, pol policy.Policy, result limiter.Result) {
	retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(pol.BurstRate))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(result.Reset.Seconds())))
	w.Header().Set("X-RateLimit-Policy", strconv.Itoa(pol.BaseRate))

	e.log.Warn("rate limit exceeded",
		"scope", scope,
		"route_class", pol.RouteClass,
		"path", r.URL.Path,
		"retry_after", retryAfter,
		"request_id", GetRequestID(r.Context()),
	)

	apierror.RateLimited(retryAfter, string(scope)).WriteJSON(w)
}

// failClosed writes the 503 response. If the limiter cannot count, the
// safe default is to refuse: an attacker who can break the store must
// not gain unlimited throughput.
func (e *Enforcer) failClosed(w http.ResponseWriter, r *http.Request, err error) {
	redisinfra.DefaultMetrics.RecordFailClosed()

	e.log.Error("rate limiter unavailable, failing closed",
		"error", err,
		"path", r.URL.Path,
		"request_id", GetRequestID(r.Context()),
	)

	apierror.LimiterUnavailable(5).WriteJSON(w)
}

func (e *Enforcer) isExempt(path string) bool {
	for _, prefix := range e.cfg.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// identifierFor picks the identity for a scope; empty means the scope
// does not apply to this request.
func identifierFor(scope limiter.Scope, tenantID, userID string, identity trust.ClientIdentity) string {
	switch scope {
	case limiter.ScopeUser:
		return userID
	case limiter.ScopeTenant:
		return tenantID
	case limiter.ScopeIP:
		return identity.IP()
	default:
		return ""
	}
}

// tightest returns the evaluated check with the least remaining quota,
// whose numbers go into the response headers.
func tightest(checks []scopeCheck) *scopeCheck {
	var min *scopeCheck
	for i := range checks {
		if min == nil || checks[i].result.Remaining < min.result.Remaining {
			min = &checks[i]
		}
	}
	return min
}

func writeQuotaHeaders(w http.ResponseWriter, check *scopeCheck) {
	if check == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(check.policy.BurstRate))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(check.result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(int(check.result.Reset.Seconds())))
	w.Header().Set("X-RateLimit-Policy", strconv.Itoa(check.policy.BaseRate))
}

// defaultRouteClassifier uses the first path segment as the route class.
func defaultRouteClassifier(r *http.Request) string {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if idx := strings.IndexByte(path, '/'); idx != -1 {
		path = path[:idx]
	}
	if path == "" {
		return "root"
	}
	return path
}
