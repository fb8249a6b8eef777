package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrom_PassesThroughTypedErrors(t *testing.T) {
	base := NotFound("verse not found")
	wrapped := fmt.Errorf("submit: %w", base)

	got := From(wrapped)
	assert.Equal(t, CodeNotFound, got.Code)
	assert.Equal(t, http.StatusNotFound, got.Status)
}

func TestFrom_UnknownErrorBecomesInternal(t *testing.T) {
	got := From(errors.New("pq: connection refused"))
	assert.Equal(t, CodeInternal, got.Code)
	assert.Equal(t, "internal error", got.Message)
	assert.NotContains(t, got.Message, "pq")
}

func TestIsCode_MatchesThroughWrapping(t *testing.T) {
	err := fmt.Errorf("coordinator: %w", Conflict("artifact exists"))
	assert.True(t, IsCode(err, CodeConflict))
	assert.False(t, IsCode(err, CodeNotFound))
}

func TestWithCause_DoesNotMutateOriginal(t *testing.T) {
	base := LLMMalformed("invalid JSON after retries")
	withCause := base.WithCause(errors.New("unexpected end of input"))

	require.Nil(t, base.Unwrap())
	require.NotNil(t, withCause.Unwrap())
	assert.True(t, errors.Is(withCause, base))
}

func TestInsufficientTokens_Details(t *testing.T) {
	err := InsufficientTokens(15, 20, "2026-08-25T00:00:00Z")
	assert.Equal(t, http.StatusTooManyRequests, err.Status)
	assert.Equal(t, 15, err.Details["available"])
	assert.Equal(t, 20, err.Details["required"])
}
