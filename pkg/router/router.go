package router

import (
	"fmt"
	"net/http"

	"capstone-brain/backend/api"
	apihandlers "capstone-brain/backend/internal/api"
	"capstone-brain/backend/internal/ws"
	"capstone-brain/backend/pkg/config"
	"capstone-brain/backend/pkg/di"
	"capstone-brain/backend/pkg/errors"
	"capstone-brain/backend/pkg/logger"
	"capstone-brain/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Router is the main router for the application
type Router struct {
	Engine      *gin.Engine
	Container   *di.Container
	Logger      *logger.Logger
	Hub         *ws.Hub
	Config      *config.Config
	RateLimiter *middleware.RateLimiter

	metrics http.Handler
}

// New creates the engine and installs the global middleware.
// metrics may be nil when metrics are disabled.
func New(container *di.Container, hub *ws.Hub, metrics http.Handler) *Router {
	cfg := container.Config

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Use the logger middleware first to capture all requests
	engine.Use(logger.Middleware(container.Logger))
	engine.Use(errors.ErrorHandler())
	engine.Use(errors.RecoveryWithLogger())
	engine.Use(corsMiddleware(cfg.Security.AllowedOrigins))

	opts := middleware.DefaultRateLimiterOptions()
	if cfg.Security.RateLimit > 0 {
		opts.Limit = rate.Limit(cfg.Security.RateLimit)
	}
	if cfg.Security.RateLimitBurst > 0 {
		opts.Burst = cfg.Security.RateLimitBurst
	}
	rateLimiter := middleware.NewRateLimiter(container.Logger, opts)

	if cfg.Security.MaxBodySize > 0 {
		engine.Use(middleware.MaxBodySize(cfg.Security.MaxBodySize))
	}

	return &Router{
		Engine:      engine,
		Container:   container,
		Logger:      container.Logger,
		Hub:         hub,
		Config:      cfg,
		RateLimiter: rateLimiter,
		metrics:     metrics,
	}
}

// SetupRoutes registers all application routes
func (r *Router) SetupRoutes() error {
	r.setupHealthRoutes()
	if r.metrics != nil {
		r.Engine.GET("/metrics", gin.WrapH(r.metrics))
	}

	if err := r.AddOpenAPIValidation(r.Config.OpenAPI.SchemaPath); err != nil {
		return fmt.Errorf("openapi validation: %w", err)
	}

	c := r.Container
	jwtAuth := middleware.JWTAuthMiddleware(c.Authenticator, r.Logger)

	// the API routes share one rate limiter keyed by client
	limited := r.Engine.Group("/", r.RateLimiter.Middleware())

	apihandlers.NewUserHandler(c.AccountService).RegisterRoutes(limited, jwtAuth)
	apihandlers.NewAdminHandler(c.AccountService, c.ChatService).RegisterRoutes(limited, jwtAuth)
	apihandlers.NewChatHandler(c.ChatService, c.Relay).RegisterRoutes(limited, jwtAuth)
	apihandlers.NewRelayHandler(c.Relay).RegisterRoutes(limited, jwtAuth)

	if r.Hub != nil {
		r.Engine.GET("/ws/results", r.Hub.ServeWs)
	}

	r.Engine.GET("/api/docs/openapi.yaml", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", api.OpenAPI)
	})

	return nil
}

// corsMiddleware allows the configured origins, or any origin for "*".
// WebSocket upgrade headers are allowed explicitly.
func corsMiddleware(allowed []string) gin.HandlerFunc {
	anyOrigin := false
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			anyOrigin = true
		}
		set[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case origin == "":
		case anyOrigin:
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		case set[origin]:
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Add("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept, Accept-Encoding, Authorization, Origin, Upgrade, Connection, Cache-Control, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
