package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   string
		status int
	}{
		{"not found", NotFound("server", "a"), ErrCodeNotFound, http.StatusNotFound},
		{"bad request", BadRequest("nope"), ErrCodeBadRequest, http.StatusBadRequest},
		{"unauthorized", Unauthorized("bad token"), ErrCodeUnauthorized, http.StatusUnauthorized},
		{"forbidden", Forbidden("no"), ErrCodeForbidden, http.StatusForbidden},
		{"conflict", Conflict("busy"), ErrCodeConflict, http.StatusConflict},
		{"validation", ValidationError("id", "empty"), ErrCodeValidationError, http.StatusBadRequest},
		{"upstream", UpstreamError("call failed", fmt.Errorf("boom")), ErrCodeUpstreamError, http.StatusBadGateway},
		{"upstream timeout", UpstreamTimeout("too slow", nil), ErrCodeUpstreamTimeout, http.StatusGatewayTimeout},
		{"internal", InternalError("oops", fmt.Errorf("boom")), ErrCodeInternalError, http.StatusInternalServerError},
		{"unavailable", ServiceUnavailable("bus"), ErrCodeServiceUnavailable, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.HTTPStatus)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}

func TestWrapPreservesAppError(t *testing.T) {
	inner := NotFound("capability", "a:search")
	wrapped := Wrap(fmt.Errorf("routing: %w", inner), "invoke failed")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeNotFound, wrapped.Code)
	assert.Equal(t, http.StatusNotFound, wrapped.HTTPStatus)
	assert.True(t, IsNotFound(wrapped))
}

func TestWrapPlainError(t *testing.T) {
	wrapped := Wrap(fmt.Errorf("boom"), "context")
	require.NotNil(t, wrapped)
	assert.Equal(t, ErrCodeInternalError, wrapped.Code)

	assert.Nil(t, Wrap(nil, "ignored"))
}

func TestGetHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, GetHTTPStatus(UpstreamError("x", nil)))
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(fmt.Errorf("plain")))
}
