// Package server provides HTTP server initialization and configuration.
package server

import (
	"net/http"
	"time"

	"github.com/relaykit/llmgate/internal/config"
	"github.com/relaykit/llmgate/internal/proxy"
	middleware2 "github.com/relaykit/llmgate/internal/server/middleware"

	"github.com/gin-gonic/gin"
)

// ProvideRouter builds the gin engine: recovery, CORS, body-size limit, master
// key gate, then the proxy pipeline's routes.
func ProvideRouter(cfg *config.Config, h *proxy.Handler) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware2.Recovery())

	return SetupRouter(r, h, cfg)
}

// ProvideHTTPServer wires the router into an http.Server.
func ProvideHTTPServer(cfg *config.Config, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
		// WriteTimeout and ReadTimeout are left unset: streaming responses can
		// run for minutes and large request bodies take time to arrive.
	}
}
