package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openlimit/api/internal/infra/http/handler"
	"github.com/openlimit/api/internal/infra/http/middleware"
	"github.com/openlimit/api/pkg/logger"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Log          *logger.Logger
	Enforcer     *middleware.Enforcer
	AdminLimiter *middleware.AdminWriteLimiter
	Overrides    *handler.OverrideHandler
	Health       *handler.HealthHandler

	// Protected is the business handler the limiter fronts. Nil installs
	// a plain 200 echo, which is what the standalone binary ships.
	Protected http.Handler

	// SkipLogPaths are not request-logged (health, metrics).
	SkipLogPaths []string
}

// NewRouter assembles the chi router. Middleware order matters: request
// id and recovery wrap everything, auth context must precede
// enforcement, and enforcement wraps only the protected surface.
func NewRouter(deps RouterDeps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(deps.Log))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Log, deps.SkipLogPaths))
	r.Use(middleware.AuthContext())

	// Operational endpoints sit outside enforcement.
	r.Get("/healthz", deps.Health.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// Admin override API: admin-only, locally rate limited on writes.
	r.Route("/admin/overrides", func(r chi.Router) {
		r.Use(middleware.RequireAdmin())
		r.Get("/audit", deps.Overrides.Audit)

		r.Group(func(r chi.Router) {
			r.Use(deps.AdminLimiter.Middleware())
			r.Post("/bypass", deps.Overrides.CreateBypass)
			r.Post("/reset", deps.Overrides.Reset)
		})
	})

	// Everything else is the protected surface.
	protected := deps.Protected
	if protected == nil {
		protected = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(deps.Enforcer.Middleware())
		r.Handle("/*", protected)
	})

	return r
}
