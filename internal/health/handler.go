package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Register mounts /health, /live and /ready.
func (c *Checker) Register(r gin.IRoutes) {
	r.GET("/health", c.HealthHandler())
	r.GET("/live", c.HealthHandler())
	r.GET("/ready", c.ReadinessHandler())
}

// HealthHandler serves the liveness response.
func (c *Checker) HealthHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, c.Health())
	}
}

// ReadinessHandler serves readiness; unhealthy answers 503, degraded still
// answers 200.
func (c *Checker) ReadinessHandler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		resp := c.Readiness(ctx.Request.Context())
		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		ctx.JSON(status, resp)
	}
}
