// Package proxy implements the Proxy Pipeline (spec.md §4.5): the end-to-end
// request handler that consumes the Key Manager, forwards to the configured
// upstream, handles streaming and buffered responses, retries, classifies
// errors, and logs.
package proxy

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaykit/llmgate/internal/keymanager"
	"github.com/relaykit/llmgate/internal/loadbalancer"
	"github.com/relaykit/llmgate/internal/proxylog"
	"github.com/relaykit/llmgate/internal/settingsvc"
)

// Upstream is the outbound HTTP surface the pipeline needs. It does not
// raise on status codes below 500; the caller classifies the response
// itself (spec.md §4.5 step 5c). repository.UpstreamClient satisfies this.
type Upstream interface {
	Do(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Response, error)
}

// BodyTracker wraps a response body so a close callback runs exactly once
// regardless of how many code paths call Close (normal completion or
// client-side cancellation). repository.WrapTrackedBody satisfies this.
type BodyTracker func(body io.ReadCloser, onClose func()) io.ReadCloser

// Handler holds the collaborators one inbound request needs.
type Handler struct {
	Keys        *keymanager.Manager
	Settings    *settingsvc.Cache
	Connections *loadbalancer.Connections
	Logs        proxylog.Store
	Upstream    Upstream
	TrackBody   BodyTracker

	LogUpstreamErrorBody         bool
	LogUpstreamErrorBodyMaxBytes int

	Logger *slog.Logger
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Register wires the pipeline's two owned endpoints onto r, relative to
// whatever prefix r already carries (the caller mounts this under /v1).
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/chat/completions", h.ChatCompletions)
	r.GET("/models", h.Models)
}
