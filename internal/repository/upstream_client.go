package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/imroc/req/v3"

	"github.com/relaykit/llmgate/internal/config"
)

// UpstreamClient is the single outbound HTTP client the Proxy Pipeline uses
// to reach settings.endpoint. Unlike the teacher's per-account/per-proxy
// pool, this domain has exactly one configured endpoint (spec.md §3), so one
// pooled client, sized from GatewayConfig, is enough — there is no per-key
// proxy or tenant isolation to key a pool by.
type UpstreamClient struct {
	client *req.Client
}

// NewUpstreamClient builds the shared client from GatewayConfig's pool
// sizing knobs. req/v3 is the corpus's outbound-HTTP library of choice; it
// carries its own transport under the hood, which this just tunes.
func NewUpstreamClient(cfg *config.Config) *UpstreamClient {
	c := req.C().SetTimeout(0) // per-request timeout is driven by the caller's context

	c.Transport.MaxIdleConns = cfg.Gateway.MaxIdleConns
	c.Transport.MaxIdleConnsPerHost = cfg.Gateway.MaxIdleConnsPerHost
	c.Transport.MaxConnsPerHost = cfg.Gateway.MaxConnsPerHost
	c.Transport.IdleConnTimeout = time.Duration(cfg.Gateway.IdleConnTimeoutSeconds) * time.Second
	c.Transport.ResponseHeaderTimeout = time.Duration(cfg.Gateway.ResponseHeaderTimeout) * time.Second

	return &UpstreamClient{client: c}
}

// Do issues a request with the given method/url/headers/body and returns the
// raw *http.Response so the Proxy Pipeline can stream or buffer it per
// spec.md §4.5. It does not raise on HTTP status codes below 500 — the
// caller classifies the response itself.
func (u *UpstreamClient) Do(ctx context.Context, method, url string, headers http.Header, body io.Reader) (*http.Response, error) {
	r := u.client.R().SetContext(ctx)
	for key, values := range headers {
		for _, v := range values {
			r.SetHeader(key, v)
		}
	}
	if body != nil {
		r.SetBody(body)
	}

	var resp *req.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = r.Get(url)
	case http.MethodPost:
		resp, err = r.Post(url)
	default:
		return nil, fmt.Errorf("upstream client: unsupported method %q", method)
	}
	if err != nil {
		return nil, err
	}
	return resp.Response, nil
}

// onCloseCounter runs its done callback exactly once, regardless of how many
// times Close is called or which code path triggers it (normal completion,
// client disconnect, or context cancellation during streaming).
type onCloseCounter struct {
	io.ReadCloser
	done func()
	once atomic.Bool
}

// WrapTrackedBody wraps resp.Body so onClose runs exactly once when the
// response body is finally closed — whether that happens after a buffered
// read or after a streamed SSE session ends. The Proxy Pipeline passes the
// attempt context's cancel function here; the active-connection counter is
// decremented separately, when the attempt is marked successful.
func WrapTrackedBody(body io.ReadCloser, onClose func()) io.ReadCloser {
	return &onCloseCounter{ReadCloser: body, done: onClose}
}

func (b *onCloseCounter) Close() error {
	err := b.ReadCloser.Close()
	if b.once.CompareAndSwap(false, true) {
		b.done()
	}
	return err
}
