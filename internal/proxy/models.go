package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/relaykit/llmgate/internal/keymanager"
	"github.com/relaykit/llmgate/internal/pkg/apperr"
	"github.com/relaykit/llmgate/internal/pkg/response"
	"github.com/relaykit/llmgate/internal/proxylog"
)

// staticModelDescriptor is one entry this gateway adds to whatever the
// upstream's /models response already lists.
type staticModelDescriptor struct {
	ID      string
	Created int64
	OwnedBy string
}

// gatewayModels are appended to every /v1/models response regardless of
// upstream, advertising the provider profiles this gateway diversifies key
// selection across (spec.md §4.4 profile diversification).
var gatewayModels = []staticModelDescriptor{
	{ID: "gateway-openai-default", Created: 0, OwnedBy: "llmgate"},
	{ID: "gateway-anthropic-default", Created: 0, OwnedBy: "llmgate"},
	{ID: "gateway-google-default", Created: 0, OwnedBy: "llmgate"},
}

// Models implements spec.md §4.5's models-listing path: one upstream GET
// with the same retry/key-acquisition discipline as ChatCompletions, then
// augments the returned data array with gatewayModels.
func (h *Handler) Models(c *gin.Context) {
	started := time.Now()
	ctx := c.Request.Context()

	settings, err := h.Settings.Get(ctx)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	maxRetries := settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	url := strings.TrimRight(settings.Endpoint, "/") + "/models"
	clientIP := c.ClientIP()
	attempt := 0

	for {
		value, keyID, err := h.Keys.GetKey(ctx)
		if err != nil {
			response.ErrorFrom(c, err)
			return
		}

		headers := http.Header{"Authorization": []string{"Bearer " + value}}
		resp, doErr := h.Upstream.Do(ctx, http.MethodGet, url, headers, nil)
		if doErr != nil {
			done := h.handleModelsTransportFailure(c, doErr, keyID, started, clientIP, &attempt, maxRetries)
			if done {
				return
			}
			continue
		}

		if resp.StatusCode < http.StatusBadRequest {
			h.handleModelsSuccess(c, resp, keyID, started, clientIP)
			return
		}

		done := h.handleModelsUpstreamFailure(c, resp, keyID, started, clientIP, &attempt, maxRetries)
		if done {
			return
		}
	}
}

func (h *Handler) handleModelsTransportFailure(c *gin.Context, doErr error, keyID string, started time.Time, clientIP string, attempt *int, maxRetries int) bool {
	ctx := c.Request.Context()
	errType := classifyTransportError(doErr)

	wasRL, mkErr := h.Keys.MarkKeyError(ctx, keymanager.ErrorOutcome{})
	if mkErr != nil {
		h.logger().Error("mark key error failed", "error", mkErr)
	}

	if retryEligible(wasRL, 0, true) {
		if *attempt < maxRetries-1 {
			*attempt++
			time.Sleep(backoff(*attempt))
			return false
		}
		h.writeMaxRetriesExceeded(c, keyID, "", started, clientIP)
		response.Error(c, http.StatusInternalServerError, "Maximum retries exceeded", apperr.ReasonMaxRetriesExceeded)
		return true
	}

	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		IsError:      true,
		ErrorType:    errType,
		ErrorMessage: doErr.Error(),
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
	response.Error(c, http.StatusBadGateway, doErr.Error(), string(errType))
	return true
}

func (h *Handler) handleModelsUpstreamFailure(c *gin.Context, resp *http.Response, keyID string, started time.Time, clientIP string, attempt *int, maxRetries int) bool {
	ctx := c.Request.Context()

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	resetAt := parseRateLimitReset(resp.Header.Get("x-ratelimit-reset"))
	wasRL, mkErr := h.Keys.MarkKeyError(ctx, keymanager.ErrorOutcome{StatusCode: resp.StatusCode, RateLimitResetAt: resetAt})
	if mkErr != nil {
		h.logger().Error("mark key error failed", "error", mkErr)
	}

	if retryEligible(wasRL, resp.StatusCode, false) {
		if *attempt < maxRetries-1 {
			*attempt++
			time.Sleep(backoff(*attempt))
			return false
		}
		h.writeMaxRetriesExceeded(c, keyID, "", started, clientIP)
		response.Error(c, http.StatusInternalServerError, "Maximum retries exceeded", apperr.ReasonMaxRetriesExceeded)
		return true
	}

	errType := classifyStatus(resp.StatusCode)
	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   resp.StatusCode,
		IsError:      true,
		ErrorType:    errType,
		ErrorMessage: h.upstreamErrorMessage(body),
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
	response.Passthrough(c, resp.StatusCode, resp.Header.Get("Content-Type"), body)
	return true
}

func (h *Handler) handleModelsSuccess(c *gin.Context, resp *http.Response, keyID string, started time.Time, clientIP string) {
	ctx := c.Request.Context()

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if err := h.Keys.MarkKeySuccess(ctx); err != nil {
		h.logger().Error("mark key success failed", "error", err)
	}
	h.Connections.Decrement(keyID)

	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   resp.StatusCode,
		IsError:      false,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})

	response.Passthrough(c, resp.StatusCode, "application/json", augmentModelList(body))
}

// augmentModelList appends gatewayModels onto the upstream's data array. If
// the upstream body is not the expected shape, it is returned unmodified.
func augmentModelList(body []byte) []byte {
	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "data").IsArray() {
		return body
	}

	out := body
	for _, m := range gatewayModels {
		entry := map[string]any{
			"id":       m.ID,
			"object":   "model",
			"created":  m.Created,
			"owned_by": m.OwnedBy,
		}
		updated, err := sjson.SetBytes(out, "data.-1", entry)
		if err != nil {
			return body
		}
		out = updated
	}
	return out
}
