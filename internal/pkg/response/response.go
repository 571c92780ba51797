// Package response writes the proxy's wire-level JSON error envelope.
//
// Every error response this service raises itself (gate failures, parse
// failures, NoKeysAvailable, retry exhaustion) uses the OpenAI-compatible
// shape spec §6 pins: {"error": {"message": "...", "type": "..."}}. Upstream
// error bodies are forwarded unmodified by Passthrough, in whatever shape
// the upstream sent.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/llmgate/internal/pkg/apperr"
)

// ErrorBody is the wire shape of an error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Error writes {"error":{"message","type"}} with the given status code.
func Error(c *gin.Context, statusCode int, message, errType string) {
	c.JSON(statusCode, ErrorBody{Error: ErrorDetail{Message: message, Type: errType}})
}

// ErrorFrom converts an ApplicationError (or any error) into the gateway's
// error envelope. Returns true if a response was written.
func ErrorFrom(c *gin.Context, err error) bool {
	if err == nil {
		return false
	}
	statusCode, status := apperr.ToHTTP(err)
	Error(c, statusCode, status.Message, status.Reason)
	return true
}

// Passthrough forwards an upstream error body byte-for-byte with its
// original status code — used when the upstream's own 4xx body must reach
// the client unmodified (spec §9: "pass through untouched for the client's
// sake").
func Passthrough(c *gin.Context, statusCode int, contentType string, body []byte) {
	c.Data(statusCode, contentType, body)
}

// JSON writes an arbitrary successful JSON payload (model listings, etc.).
func JSON(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}
