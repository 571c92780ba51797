package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig configures allowed origins for the gateway's CORS middleware.
type CORSConfig struct {
	// AllowedOrigins; "*" allows any origin (incompatible with credentials).
	AllowedOrigins []string
	AllowCredentials bool
}

// DefaultCORSConfig permits any browser-side OpenAI client per spec §6.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins:   []string{"*"},
		AllowCredentials: false,
	}
}

func CORS() gin.HandlerFunc {
	return CORSWithConfig(DefaultCORSConfig())
}

func CORSWithConfig(config CORSConfig) gin.HandlerFunc {
	allowedOriginsSet := make(map[string]bool)
	allowAll := false
	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			allowAll = true
		} else {
			allowedOriginsSet[strings.ToLower(origin)] = true
		}
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		var allowedOrigin string
		switch {
		case allowAll && origin != "":
			allowedOrigin = origin
		case allowAll:
			allowedOrigin = "*"
		case origin != "" && allowedOriginsSet[strings.ToLower(origin)]:
			allowedOrigin = origin
		}

		if allowedOrigin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			if config.AllowCredentials && allowedOrigin != "*" {
				c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, X-Requested-With")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
			c.Writer.Header().Set("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
