// Package api assembles the limiter's gin HTTP surface.
package api

import (
	"github.com/flexprice/usagelimiter/internal/api/middleware"
	v1 "github.com/flexprice/usagelimiter/internal/api/v1"
	"github.com/flexprice/usagelimiter/internal/config"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/gin-gonic/gin"
)

// Handlers aggregates every resource handler the router wires up.
type Handlers struct {
	Limiter *v1.LimiterHandler
	Debug   *v1.DebugHandler
	Health  *v1.HealthHandler
}

// NewRouter builds the gin engine and registers every route under /v1.
func NewRouter(cfg *config.Configuration, log *logger.Logger, h *Handlers) *gin.Engine {
	if cfg.Deployment.Environment.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.ErrorHandler())

	router.GET("/healthz", h.Health.Check)

	v1Group := router.Group("/v1")
	{
		v1Group.POST("/verify", h.Limiter.Verify)
		v1Group.POST("/report", h.Limiter.Report)
		v1Group.POST("/prewarm", h.Limiter.Prewarm)
		v1Group.POST("/reset", h.Limiter.Reset)
		v1Group.GET("/debug/stream", h.Debug.Stream)
	}

	return router
}
