package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/openlimit/api/internal/breaker"
	"github.com/openlimit/api/internal/config"
	httpinfra "github.com/openlimit/api/internal/infra/http"
	"github.com/openlimit/api/internal/infra/http/handler"
	"github.com/openlimit/api/internal/infra/http/middleware"
	"github.com/openlimit/api/internal/infra/redis"
	"github.com/openlimit/api/internal/override"
	"github.com/openlimit/api/internal/policy"
	"github.com/openlimit/api/internal/trust"
	"github.com/openlimit/api/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ==========================================================================
	// Configuration & Logger
	// ==========================================================================
	cfg, err := config.Load()
	if err != nil {
		log := logger.NewDefault()
		log.Error("failed to load configuration", "error", err)
		return 1
	}

	log := initLogger(cfg)
	log.Info("starting application", "app", cfg.App.Name, "env", cfg.App.Env)

	// ==========================================================================
	// Infrastructure
	// ==========================================================================
	redisClient, err := redis.New(&cfg.Redis, log)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		return 1
	}
	defer closeWithLog(redisClient, "redis", log)

	counter, err := redis.NewCounterStore(redisClient, cfg.Limiter.StoreTimeout, log)
	if err != nil {
		log.Error("failed to initialize counter store", "error", err)
		return 1
	}

	brk := breaker.New(breaker.Options{
		FailureThreshold: int64(cfg.Breaker.FailureThreshold),
		Cooldown:         cfg.Breaker.Cooldown,
		HalfOpenProbes:   int64(cfg.Breaker.HalfOpenProbes),
	})

	// ==========================================================================
	// Policies
	// ==========================================================================
	policies := policy.NewStore(log)
	if err := policies.LoadFile(cfg.Limiter.PolicyFile); err != nil {
		log.Error("failed to load policy file",
			"error", err,
			"path", cfg.Limiter.PolicyFile,
		)
		return 1
	}

	trustResolver, err := trust.NewResolver(cfg.Limiter.TrustedProxies)
	if err != nil {
		log.Error("failed to build trust resolver", "error", err)
		return 1
	}

	overrides, err := override.NewStore(redisClient, counter, cfg.App.Env, cfg.Admin.AuditLogMaxEntries, log)
	if err != nil {
		log.Error("failed to initialize override store", "error", err)
		return 1
	}

	// ==========================================================================
	// HTTP surface
	// ==========================================================================
	enforcer, err := middleware.NewEnforcer(middleware.EnforcerConfig{
		Environment: cfg.App.Env,
		Policies:    policies,
		Counter:     counter,
		Breaker:     brk,
		Overrides:   overrides,
		Trust:       trustResolver,
		ExemptPaths: cfg.Limiter.ExemptPaths,
		Enabled:     cfg.Limiter.Enabled,
		Logger:      log,
	})
	if err != nil {
		log.Error("failed to build enforcer", "error", err)
		return 1
	}

	adminLimiter := middleware.NewAdminWriteLimiter(cfg.Admin.WriteRequestsPerMin, log)

	router := httpinfra.NewRouter(httpinfra.RouterDeps{
		Log:          log,
		Enforcer:     enforcer,
		AdminLimiter: adminLimiter,
		Overrides:    handler.NewOverrideHandler(overrides, policies, log),
		Health:       handler.NewHealthHandler(redisClient, brk, policies),
		SkipLogPaths: cfg.Limiter.ExemptPaths,
	})

	server := httpinfra.NewServer(cfg, log, router, adminLimiter.Stop)

	// ==========================================================================
	// Run
	// ==========================================================================
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(server.Start)

	g.Go(func() error {
		reloadPolicies(ctx, policies, cfg.Limiter.PolicyFile, log)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
		return 1
	}

	log.Info("server stopped")
	return 0
}

// reloadPolicies re-reads the policy file on SIGHUP until ctx is done.
// A bad document is rejected and the running snapshot stays in effect.
func reloadPolicies(ctx context.Context, policies *policy.Store, path string, log *logger.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := policies.LoadFile(path); err != nil {
				log.Error("policy reload failed, keeping current set",
					"error", err,
					"path", path,
				)
				continue
			}
			log.Info("policies reloaded", "version", policies.Version())
		}
	}
}

func initLogger(cfg *config.Config) *logger.Logger {
	if cfg.IsDevelopment() {
		return logger.NewDevelopment()
	}
	return logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

func closeWithLog(c interface{ Close() error }, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
