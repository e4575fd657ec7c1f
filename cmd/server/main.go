package main

import (
	"context"
	"time"

	"github.com/flexprice/usagelimiter/internal/analyticssink"
	"github.com/flexprice/usagelimiter/internal/api"
	v1 "github.com/flexprice/usagelimiter/internal/api/v1"
	"github.com/flexprice/usagelimiter/internal/cache"
	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/customerservice"
	"github.com/flexprice/usagelimiter/internal/entitlementcache"
	"github.com/flexprice/usagelimiter/internal/limiter"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/flexprice/usagelimiter/internal/shardrouter"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

// @title Usage Limiter API
// @version 1.0
// @description Sharded usage-based entitlement verification and reporting service
// @BasePath /v1

func init() {
	time.Local = time.UTC
}

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			logger.NewLogger,

			cache.Initialize,
			provideBackingCache,
			customerservice.NewInProcess,
			provideEntitlementSource,
			provideAnalyticsSink,
			provideEntitlementCache,

			provideDefaultRegistry,
			provideEUJurisdiction,
			provideRouter,

			v1.NewHealthHandler,
			provideLimiterHandler,
			provideDebugHandler,
			provideHandlers,

			provideGinEngine,
		),
		fx.Invoke(registerLifecycle),
	)

	app.Run()
}

func provideEntitlementSource(s *customerservice.InProcess) customerservice.EntitlementSource {
	return s
}

func provideBackingCache(c *cache.InMemoryCache) cache.Cache {
	return c
}

func provideAnalyticsSink(cfg *config.Configuration, log *logger.Logger) *analyticssink.Client {
	return analyticssink.New(analyticssink.Config{
		BaseURL:      cfg.Analytics.Endpoint,
		IsProduction: cfg.Deployment.Environment.IsProduction(),
		Timeout:      cfg.Analytics.Timeout,
		MaxRetries:   cfg.Analytics.MaxRetries,
	}, log)
}

func provideEntitlementCache(cfg *config.Configuration, backing cache.Cache, source customerservice.EntitlementSource) *entitlementcache.Cache {
	return entitlementcache.New(backing, source, cfg.Cache.TTL)
}

func provideDefaultRegistry(cfg *config.Configuration, log *logger.Logger, sink *analyticssink.Client, ec *entitlementcache.Cache, source customerservice.EntitlementSource) *limiter.Registry {
	return limiter.NewRegistry(cfg, log, sink, ec, source)
}

// provideEUJurisdiction builds the EU sub-namespace registry when jurisdiction
// splitting is enabled, sharing every collaborator but its own actor set.
func provideEUJurisdiction(cfg *config.Configuration, log *logger.Logger, sink *analyticssink.Client, ec *entitlementcache.Cache, source customerservice.EntitlementSource) *euRegistry {
	if !cfg.Router.EUJurisdiction {
		return &euRegistry{}
	}
	return &euRegistry{Registry: limiter.NewRegistry(cfg, log, sink, ec, source)}
}

type euRegistry struct{ *limiter.Registry }

func provideRouter(cfg *config.Configuration, log *logger.Logger, registry *limiter.Registry, eu *euRegistry, ec *entitlementcache.Cache) (*shardrouter.Router, error) {
	return shardrouter.New(cfg, log, registry, eu.Registry, ec, nil)
}

func provideLimiterHandler(router *shardrouter.Router, log *logger.Logger) *v1.LimiterHandler {
	return v1.NewLimiterHandler(router, log)
}

func provideDebugHandler(router *shardrouter.Router, log *logger.Logger) *v1.DebugHandler {
	return v1.NewDebugHandler(router, log)
}

func provideHandlers(limiterHandler *v1.LimiterHandler, debugHandler *v1.DebugHandler, healthHandler *v1.HealthHandler) *api.Handlers {
	return &api.Handlers{
		Limiter: limiterHandler,
		Debug:   debugHandler,
		Health:  healthHandler,
	}
}

func provideGinEngine(cfg *config.Configuration, log *logger.Logger, handlers *api.Handlers) *gin.Engine {
	return api.NewRouter(cfg, log, handlers)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Configuration, log *logger.Logger, r *gin.Engine, registry *limiter.Registry, eu *euRegistry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infof("starting usage limiter API on %s", cfg.Server.Address)
			go func() {
				if err := r.Run(cfg.Server.Address); err != nil {
					log.Fatalf("server failed: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Infof("shutting down shard registries")
			registry.Shutdown(10 * time.Second)
			if eu.Registry != nil {
				eu.Registry.Shutdown(10 * time.Second)
			}
			return nil
		},
	})
}
