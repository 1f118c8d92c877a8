// Package api provides the read-only audit surface served over mutual TLS.
// It exposes root CA status, stored pins, and recent security events to
// operator tooling; device registration is handled elsewhere.
package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/fieldgrid/trustd/internal/api/handlers"
	"github.com/fieldgrid/trustd/internal/api/middleware"
	"github.com/fieldgrid/trustd/internal/ca"
	"github.com/fieldgrid/trustd/internal/config"
	"github.com/fieldgrid/trustd/internal/events"
	"github.com/fieldgrid/trustd/internal/pinning"
)

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, authority *ca.Authority, pins *pinning.Store, store *events.Store, logger *zap.Logger) *gin.Engine {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.CORSMiddleware(cfg))

	trustHandler := handlers.NewTrustHandler(authority, pins, store, logger)

	router.GET("/healthz", trustHandler.Health)

	v1 := router.Group("/v1")
	{
		v1.GET("/ca/info", trustHandler.CAInfo)
		v1.GET("/pins", trustHandler.ListPins)
		v1.GET("/events", trustHandler.ListEvents)
	}

	return router
}
