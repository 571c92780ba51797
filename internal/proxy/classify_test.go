package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaykit/llmgate/internal/proxylog"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		want   proxylog.ErrorType
	}{
		{http.StatusUnauthorized, proxylog.ErrorTypeApiKey},
		{http.StatusForbidden, proxylog.ErrorTypeApiKey},
		{http.StatusTooManyRequests, proxylog.ErrorTypeApiKey},
		{http.StatusBadRequest, proxylog.ErrorTypeUpstream},
		{http.StatusInternalServerError, proxylog.ErrorTypeUpstreamServer},
		{http.StatusBadGateway, proxylog.ErrorTypeUpstreamServer},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, classifyStatus(tc.status))
	}
}

func TestClassifyTransportError(t *testing.T) {
	require.Equal(t, proxylog.ErrorTypeUpstreamTimeout, classifyTransportError(context.DeadlineExceeded))
	require.Equal(t, proxylog.ErrorTypeUpstream, classifyTransportError(errors.New("connection refused")))
	require.Equal(t, proxylog.ErrorTypeUpstreamTimeout, classifyTransportError(errors.New("dial tcp: i/o timeout")))
}

func TestRetryEligible(t *testing.T) {
	require.True(t, retryEligible(true, http.StatusBadRequest, false))
	require.True(t, retryEligible(false, http.StatusInternalServerError, false))
	require.True(t, retryEligible(false, 0, true))
	require.False(t, retryEligible(false, http.StatusBadRequest, false))
	require.False(t, retryEligible(false, http.StatusUnauthorized, false))
}

func TestBackoff(t *testing.T) {
	require.Equal(t, backoff(1), backoff(1))
	if got := backoff(1); got.Seconds() != 1 {
		t.Fatalf("backoff(1) = %v, want 1s", got)
	}
	if got := backoff(10); got.Seconds() != 10 {
		t.Fatalf("backoff(10) = %v, want capped at 10s", got)
	}
}
