// Package proxylog defines the RequestLog record the Proxy Pipeline writes
// for every externally visible outcome.
package proxylog

import (
	"context"
	"time"
)

// ErrorType classifies a logged outcome. Empty string means the attempt
// succeeded.
type ErrorType string

const (
	ErrorTypeNone               ErrorType = ""
	ErrorTypeInvalidRequest     ErrorType = "InvalidRequestError"
	ErrorTypeApiKey             ErrorType = "ApiKeyError"
	ErrorTypeUpstreamServer     ErrorType = "UpstreamServerError"
	ErrorTypeUpstreamTimeout    ErrorType = "UpstreamTimeoutError"
	ErrorTypeUpstream           ErrorType = "UpstreamError"
	ErrorTypeMaxRetriesExceeded ErrorType = "MaxRetriesExceeded"
)

// RequestLog is one row per completed upstream attempt's final outcome;
// retries within one client request share a single record.
type RequestLog struct {
	ID           int64
	ApiKeyID     string
	Timestamp    time.Time
	StatusCode   int
	IsError      bool
	ErrorType    ErrorType
	ErrorMessage string
	ModelUsed    string
	ResponseTime time.Duration
	IPAddress    string
}

// Store is the logs side of the Persistence Contract (spec.md §4.1).
// Create is fire-and-forget from the caller's viewpoint: the Proxy Pipeline
// calls it synchronously on the request path and swallows its errors rather
// than fail the HTTP response (spec.md §7).
type Store interface {
	Create(ctx context.Context, log RequestLog) error
}
