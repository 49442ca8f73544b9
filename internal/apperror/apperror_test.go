package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelClassification(t *testing.T) {
	assert.ErrorIs(t, NotFound("exercises", "e1"), ErrNotFound)
	assert.ErrorIs(t, ValidationFailed("name", "name is required"), ErrValidation)
	assert.ErrorIs(t, Conflict("exercises", "duplicate"), ErrConflict)
	assert.ErrorIs(t, Transient("remote: GET /x", errors.New("refused")), ErrTransient)
	assert.ErrorIs(t, Storage("localstore: put", errors.New("disk full")), ErrStorage)
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("add exercises: %w", NotFound("exercises", "e1"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrValidation)
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{404, ErrNotFound},
		{409, ErrConflict},
		{400, ErrValidation},
		{422, ErrValidation},
		{500, ErrTransient},
		{503, ErrTransient},
	}
	for _, tt := range tests {
		err := HTTPStatus("remote: POST /x", tt.status, "boom")
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		assert.Equal(t, tt.status, err.Status)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(HTTPStatus("op", 500, "")))
	assert.True(t, Retryable(fmt.Errorf("wrapped: %w", Transient("op", errors.New("timeout")))))

	// Request-class failures would fail identically on replay.
	assert.False(t, Retryable(HTTPStatus("op", 400, "")))
	assert.False(t, Retryable(HTTPStatus("op", 404, "")))
	assert.False(t, Retryable(errors.New("plain")))
}
