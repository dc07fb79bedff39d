package router

import (
	"github.com/gin-gonic/gin"
)

// setupHealthRoutes registers health check endpoints
func (r *Router) setupHealthRoutes() {
	handler := gin.WrapF(r.Container.Health.HTTPHandler())

	// Register both health endpoint paths for compatibility
	r.Engine.GET("/health", handler)
	r.Engine.GET("/api/health", handler)
}
