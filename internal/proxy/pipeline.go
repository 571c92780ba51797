package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/relaykit/llmgate/internal/keymanager"
	"github.com/relaykit/llmgate/internal/pkg/apperr"
	"github.com/relaykit/llmgate/internal/pkg/response"
	"github.com/relaykit/llmgate/internal/proxylog"
)

const upstreamCallTimeout = 120 * time.Second

// ChatCompletions implements spec.md §4.5 end to end: master-key gate is
// handled upstream by middleware.MasterKeyAuth; everything from body parse
// onward lives here.
func (h *Handler) ChatCompletions(c *gin.Context) {
	started := time.Now()
	ctx := c.Request.Context()

	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil || !gjson.ValidBytes(rawBody) {
		h.respondInvalidRequest(c, started)
		return
	}

	settings, err := h.Settings.Get(ctx)
	if err != nil {
		response.ErrorFrom(c, err)
		return
	}

	streaming := gjson.GetBytes(rawBody, "stream").Bool()
	model := gjson.GetBytes(rawBody, "model").String()
	outBody := applyGoogleGrounding(rawBody, settings)

	maxRetries := settings.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	url := strings.TrimRight(settings.Endpoint, "/") + "/chat/completions"
	clientIP := c.ClientIP()
	attempt := 0

	for {
		value, keyID, err := h.Keys.GetKey(ctx)
		if err != nil {
			response.ErrorFrom(c, err)
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, upstreamCallTimeout)
		headers := http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + value},
		}

		resp, doErr := h.Upstream.Do(attemptCtx, http.MethodPost, url, headers, bytes.NewReader(outBody))
		if doErr != nil {
			cancel()
			done := h.handleTransportFailure(c, doErr, keyID, model, started, clientIP, &attempt, maxRetries)
			if done {
				return
			}
			continue
		}

		if resp.StatusCode < http.StatusBadRequest {
			h.handleSuccess(c, resp, cancel, keyID, model, started, clientIP, streaming)
			return
		}

		done := h.handleUpstreamFailure(c, resp, cancel, keyID, model, started, clientIP, &attempt, maxRetries)
		if done {
			return
		}
	}
}

func (h *Handler) respondInvalidRequest(c *gin.Context, started time.Time) {
	h.writeLog(c.Request.Context(), proxylog.RequestLog{
		Timestamp:    time.Now(),
		StatusCode:   http.StatusBadRequest,
		IsError:      true,
		ErrorType:    proxylog.ErrorTypeInvalidRequest,
		ErrorMessage: "request body is not valid JSON",
		ResponseTime: time.Since(started),
		IPAddress:    c.ClientIP(),
	})
	response.ErrorFrom(c, apperr.ClientInput("request body is not valid JSON"))
}

// handleTransportFailure processes a connection-level failure (no HTTP
// response at all). Returns true if the caller should stop retrying.
func (h *Handler) handleTransportFailure(c *gin.Context, doErr error, keyID, model string, started time.Time, clientIP string, attempt *int, maxRetries int) bool {
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
		h.writeMaxRetriesExceeded(c, keyID, model, started, clientIP)
		response.Error(c, http.StatusInternalServerError, "Maximum retries exceeded", apperr.ReasonMaxRetriesExceeded)
		return true
	}

	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		IsError:      true,
		ErrorType:    errType,
		ErrorMessage: doErr.Error(),
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
	response.Error(c, http.StatusBadGateway, doErr.Error(), string(errType))
	return true
}

// handleUpstreamFailure processes a received 4xx or 5xx response. Returns
// true if the caller should stop retrying.
func (h *Handler) handleUpstreamFailure(c *gin.Context, resp *http.Response, cancel context.CancelFunc, keyID, model string, started time.Time, clientIP string, attempt *int, maxRetries int) bool {
	ctx := c.Request.Context()

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	cancel()

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
		h.writeMaxRetriesExceeded(c, keyID, model, started, clientIP)
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
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
	response.Passthrough(c, resp.StatusCode, resp.Header.Get("Content-Type"), body)
	return true
}

func (h *Handler) handleSuccess(c *gin.Context, resp *http.Response, cancel context.CancelFunc, keyID, model string, started time.Time, clientIP string, streaming bool) {
	ctx := c.Request.Context()

	if err := h.Keys.MarkKeySuccess(ctx); err != nil {
		h.logger().Error("mark key success failed", "error", err)
	}
	h.Connections.Decrement(keyID)

	body := h.wrapBody(resp.Body, func() {
		cancel()
	})

	if streaming {
		h.streamResponse(c, resp, body, keyID, model, started, clientIP)
		return
	}
	h.bufferedResponse(c, resp, body, keyID, model, started, clientIP)
}

func (h *Handler) bufferedResponse(c *gin.Context, resp *http.Response, body io.ReadCloser, keyID, model string, started time.Time, clientIP string) {
	ctx := c.Request.Context()

	data, _ := io.ReadAll(body)
	body.Close()

	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   resp.StatusCode,
		IsError:      false,
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
	response.Passthrough(c, resp.StatusCode, resp.Header.Get("Content-Type"), data)
}

func (h *Handler) streamResponse(c *gin.Context, resp *http.Response, body io.ReadCloser, keyID, model string, started time.Time, clientIP string) {
	ctx := c.Request.Context()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(resp.StatusCode)

	flusher, canFlush := c.Writer.(http.Flusher)
	buf := make([]byte, 4096)

	for {
		select {
		case <-c.Request.Context().Done():
			body.Close()
			h.writeStreamLog(ctx, keyID, model, resp.StatusCode, started, clientIP)
			return
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			_, _ = c.Writer.Write(buf[:n])
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			body.Close()
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				h.writeStreamLog(ctx, keyID, model, resp.StatusCode, started, clientIP)
			} else {
				h.writeStreamFailureLog(ctx, keyID, model, resp.StatusCode, started, clientIP, err)
			}
			return
		}
	}
}

// writeStreamLog records a stream that ran to completion: EOF from the
// upstream or the client disconnecting are both clean terminations, not
// failures.
func (h *Handler) writeStreamLog(ctx context.Context, keyID, model string, status int, started time.Time, clientIP string) {
	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   status,
		IsError:      false,
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
}

// writeStreamFailureLog records a stream cut short by a genuine transport
// failure (spec.md §7): the client already received a 2xx and a partial
// body, so no JSON error can be sent, but the attempt must still be logged
// as a failure.
func (h *Handler) writeStreamFailureLog(ctx context.Context, keyID, model string, status int, started time.Time, clientIP string, readErr error) {
	h.writeLog(ctx, proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   status,
		IsError:      true,
		ErrorType:    classifyTransportError(readErr),
		ErrorMessage: readErr.Error(),
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
}

func (h *Handler) writeMaxRetriesExceeded(c *gin.Context, keyID, model string, started time.Time, clientIP string) {
	h.writeLog(c.Request.Context(), proxylog.RequestLog{
		ApiKeyID:     keyID,
		Timestamp:    time.Now(),
		StatusCode:   http.StatusInternalServerError,
		IsError:      true,
		ErrorType:    proxylog.ErrorTypeMaxRetriesExceeded,
		ErrorMessage: "Maximum retries exceeded",
		ModelUsed:    model,
		ResponseTime: time.Since(started),
		IPAddress:    clientIP,
	})
}

// writeLog implements spec.md §7: log-write failures are swallowed and
// never fail the request.
func (h *Handler) writeLog(ctx context.Context, log proxylog.RequestLog) {
	if h.Logs == nil {
		return
	}
	if err := h.Logs.Create(ctx, log); err != nil {
		h.logger().Error("request log write failed", "error", err)
	}
}

func (h *Handler) wrapBody(body io.ReadCloser, onClose func()) io.ReadCloser {
	if h.TrackBody == nil {
		return body
	}
	return h.TrackBody(body, onClose)
}

func (h *Handler) upstreamErrorMessage(body []byte) string {
	if !h.LogUpstreamErrorBody {
		return ""
	}
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = string(body)
	}
	if h.LogUpstreamErrorBodyMaxBytes > 0 && len(msg) > h.LogUpstreamErrorBodyMaxBytes {
		msg = msg[:h.LogUpstreamErrorBodyMaxBytes]
	}
	return msg
}

// backoff implements spec.md §4.5 step 5e: min(2^(attempt-1)·1s, 10s).
func backoff(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt-1)) * time.Second
	if d > 10*time.Second {
		return 10 * time.Second
	}
	return d
}

// parseRateLimitReset interprets an x-ratelimit-reset header as Unix
// seconds (spec.md §4.4 markKeyError).
func parseRateLimitReset(header string) *time.Time {
	if header == "" {
		return nil
	}
	seconds, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(seconds, 0)
	return &t
}
