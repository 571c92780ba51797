package server

import (
	"net/http"

	"github.com/relaykit/llmgate/internal/config"
	"github.com/relaykit/llmgate/internal/proxy"
	middleware2 "github.com/relaykit/llmgate/internal/server/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRouter configures middleware and routes on r.
func SetupRouter(r *gin.Engine, h *proxy.Handler, cfg *config.Config) *gin.Engine {
	r.Use(middleware2.CORS())
	r.Use(middleware2.RequestBodyLimit(cfg.Gateway.MaxBodySize))

	registerRoutes(r, h, cfg)

	return r
}

// registerRoutes wires the liveness probe and the gated proxy surface.
func registerRoutes(r *gin.Engine, h *proxy.Handler, cfg *config.Config) {
	r.GET("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	v1 := r.Group("/v1")
	v1.Use(middleware2.MasterKeyAuth(cfg.Gateway.MasterAPIKey))
	h.Register(v1)
}
