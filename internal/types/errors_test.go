package types

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeValidationBadDateRange, http.StatusBadRequest},
		{ErrCodeValidationUnknownPeer, http.StatusBadRequest},
		{ErrCodeConfigIntegrationMissing, http.StatusUnprocessableEntity},
		{ErrCodeConfigSecretMissing, http.StatusUnprocessableEntity},
		{ErrCodeSecurityUnsafePath, http.StatusBadRequest},
		{ErrCodeSecurityBadSignature, http.StatusBadRequest},
		{ErrCodeRateLimited, http.StatusTooManyRequests},
		{ErrCodeRateLimitNoGuidance, http.StatusTooManyRequests},
		{ErrCodeRateLimitWaitTooLong, http.StatusTooManyRequests},
		{ErrCodeUpstreamHTTP, http.StatusBadGateway},
		{ErrCodeUpstreamStorage, http.StatusBadGateway},
		{ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{ErrCodeInternalBadArchive, http.StatusInternalServerError},
		{ErrorCode("unheard_of"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.code.HTTPStatus())
		})
	}
}

func TestAppErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewAppError(ErrCodeUpstreamStorage, "unable to list bucket", cause)

	assert.Equal(t, "upstream_storage_failure: unable to list bucket", err.Error())
	assert.ErrorIs(t, err, cause)

	var appErr *AppError
	require.ErrorAs(t, error(err), &appErr)
	assert.Equal(t, ErrCodeUpstreamStorage, appErr.Code)
}

func TestAppErrorWithDetailsDoesNotMutate(t *testing.T) {
	base := NewAppError(ErrCodeValidationBadDateRange, "start after end", nil)

	detailed := base.WithDetails(map[string]any{"start": "2024-11-14"})

	assert.Nil(t, base.Details)
	assert.Equal(t, "2024-11-14", detailed.Details["start"])
	assert.Equal(t, base.Code, detailed.Code)
}
