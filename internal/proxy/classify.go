package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/relaykit/llmgate/internal/proxylog"
)

// classifyStatus implements spec.md §4.5's error classification table for a
// response that was actually received from upstream.
func classifyStatus(status int) proxylog.ErrorType {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusTooManyRequests:
		return proxylog.ErrorTypeApiKey
	case status >= 500:
		return proxylog.ErrorTypeUpstreamServer
	default:
		return proxylog.ErrorTypeUpstream
	}
}

// classifyTransportError classifies a failure that never produced an HTTP
// response (connection refused, DNS failure, context deadline).
func classifyTransportError(err error) proxylog.ErrorType {
	if isTimeout(err) {
		return proxylog.ErrorTypeUpstreamTimeout
	}
	return proxylog.ErrorTypeUpstream
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// retryEligible reports whether an outcome qualifies for another attempt
// per spec.md §4.5 step 5e: "(wasRateLimit ∨ status ≥ 500)".
// A transport-level failure (no HTTP status at all) is treated the same as
// a 5xx: there is no verbatim body to return to the client anyway, and a
// connection-level hiccup is exactly the kind of transient failure retry
// exists for.
func retryEligible(wasRateLimit bool, status int, transportErr bool) bool {
	return wasRateLimit || status >= http.StatusInternalServerError || transportErr
}
