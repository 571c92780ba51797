package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/llmgate/internal/pkg/apperr"
	"github.com/relaykit/llmgate/internal/pkg/response"
)

// MasterKeyAuth implements spec §4.5 step 1: if masterAPIKey is configured,
// require the inbound bearer token to match it exactly; otherwise the
// request is rejected with 401 authentication_error before any key from the
// pool is consumed. An empty masterAPIKey disables the gate entirely.
func MasterKeyAuth(masterAPIKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if masterAPIKey == "" {
			c.Next()
			return
		}

		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" || token != masterAPIKey {
			response.ErrorFrom(c, apperr.AuthenticationMaster("invalid master API key"))
			c.Abort()
			return
		}

		c.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// AbortWithError is a small escape hatch for handlers that need to abort
// with a status code outside the apperr taxonomy (e.g. streaming errors
// already mid-flight).
func AbortWithError(c *gin.Context, statusCode int, message, errType string) {
	response.Error(c, statusCode, message, errType)
	c.Abort()
}
