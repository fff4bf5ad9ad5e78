// Package api provides the HTTP API of the duplimon server.
package api

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/duplimon/internal/api/handlers"
	"github.com/MacJediWizard/duplimon/internal/api/middleware"
	"github.com/MacJediWizard/duplimon/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds configuration for the API router.
type Config struct {
	Environment config.Environment
	// AllowedOrigins for CORS. Empty means all origins allowed outside production.
	AllowedOrigins []string
	// RateLimitRequests is the number of /api/v1 requests allowed per period and client.
	RateLimitRequests int64
	// RateLimitPeriod is the duration string for rate limiting (e.g. "1m", "1h").
	RateLimitPeriod string
	// MaxBodyBytes bounds request bodies; zero selects middleware.DefaultMaxBodyBytes.
	MaxBodyBytes int64
	Version      string
	Commit       string
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       config.EnvDevelopment,
		RateLimitRequests: 60,
		RateLimitPeriod:   "1m",
		Version:           "dev",
		Commit:            "unknown",
	}
}

// Dependencies are the services exposed by the API.
type Dependencies struct {
	Database      handlers.DatabaseHealthChecker
	Servers       handlers.ServerStore
	Settings      handlers.JobSettingsUpdater
	Policies      handlers.PolicyResolver
	Collector     handlers.Collector
	Notifications handlers.TestSender
	Templates     handlers.TemplateSource
	Gatherer      prometheus.Gatherer
	// Components are included in GET /health by name.
	Components map[string]handlers.ComponentHealthChecker
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Dependencies, logger zerolog.Logger) (*Router, error) {
	if deps.Servers == nil || deps.Settings == nil || deps.Policies == nil || deps.Collector == nil {
		return nil, errors.New("api: servers, settings, policies and collector are required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = middleware.DefaultMaxBodyBytes
	}

	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}
	// Job names may contain slashes; keep them escaped while routing.
	r.Engine.UseRawPath = true
	r.Engine.UnescapePathValues = true

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestID())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.SecurityHeaders())
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger))
	r.Engine.Use(middleware.BodyLimitMiddleware(cfg.MaxBodyBytes))

	healthHandler := handlers.NewHealthHandler(deps.Database, logger)
	for name, c := range deps.Components {
		healthHandler.AddComponent(name, c)
	}
	healthHandler.RegisterPublicRoutes(r.Engine)

	if deps.Gatherer != nil {
		handlers.NewMetricsHandler(deps.Gatherer).RegisterPublicRoutes(r.Engine)
	}

	version := gin.H{"version": cfg.Version, "commit": cfg.Commit}
	r.Engine.GET("/version", func(c *gin.Context) {
		c.JSON(http.StatusOK, version)
	})

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, logger)
	if err != nil {
		return nil, err
	}
	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(rateLimiter)

	handlers.NewCollectHandler(deps.Collector, logger).RegisterRoutes(apiV1)
	handlers.NewServersHandler(deps.Servers, deps.Settings, deps.Policies, logger).RegisterRoutes(apiV1)
	if deps.Notifications != nil && deps.Templates != nil {
		handlers.NewNotificationsHandler(deps.Notifications, deps.Templates, logger).RegisterRoutes(apiV1)
	}

	r.Engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})

	r.logger.Debug().Int("routes", len(r.Engine.Routes())).Msg("router initialized")
	return r, nil
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.Engine.ServeHTTP(w, req)
}
