package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/relaykit/llmgate/internal/pkg/apperr"
)

func TestError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Error(c, http.StatusBadRequest, "invalid request", "invalid_request_error")

	require.Equal(t, http.StatusBadRequest, w.Code)
	var got ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, ErrorBody{Error: ErrorDetail{Message: "invalid request", Type: "invalid_request_error"}}, got)
}

func TestErrorFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name         string
		err          error
		wantWritten  bool
		wantHTTPCode int
		wantBody     ErrorBody
	}{
		{name: "nil_error", err: nil, wantWritten: false},
		{
			name:         "no_keys_available",
			err:          apperr.NoKeysAvailable("no usable key"),
			wantWritten:  true,
			wantHTTPCode: http.StatusServiceUnavailable,
			wantBody:     ErrorBody{Error: ErrorDetail{Message: "no usable key", Type: apperr.ReasonNoKeysAvailable}},
		},
		{
			name:         "client_input",
			err:          apperr.ClientInput("invalid request"),
			wantWritten:  true,
			wantHTTPCode: http.StatusBadRequest,
			wantBody:     ErrorBody{Error: ErrorDetail{Message: "invalid request", Type: apperr.ReasonClientInput}},
		},
		{
			name:         "unknown_error_defaults_to_500",
			err:          errors.New("boom"),
			wantWritten:  true,
			wantHTTPCode: http.StatusInternalServerError,
			wantBody:     ErrorBody{Error: ErrorDetail{Message: apperr.UnknownMessage}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			written := ErrorFrom(c, tt.err)
			require.Equal(t, tt.wantWritten, written)

			if !tt.wantWritten {
				require.Equal(t, 200, w.Code)
				require.Empty(t, w.Body.String())
				return
			}

			require.Equal(t, tt.wantHTTPCode, w.Code)
			var got ErrorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
			require.Equal(t, tt.wantBody, got)
		})
	}
}

func TestPassthrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	body := []byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
	Passthrough(c, http.StatusTooManyRequests, "application/json", body)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, body, w.Body.Bytes())
}
