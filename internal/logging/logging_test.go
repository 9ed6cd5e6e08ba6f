package logging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := NewLogger("chatty")
	require.Error(t, err)

	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestOperationErrorUnwraps(t *testing.T) {
	base := errors.New("connection refused")
	err := NewOperationError("extractor.extract", "req-1", base)

	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "extractor.extract (request_id=req-1): connection refused", err.Error())

	var opErr *OperationError
	require.True(t, errors.As(err, &opErr))
	opErr.Attempts = 3
	assert.Equal(t, "extractor.extract (request_id=req-1) after 3 attempts: connection refused", opErr.Error())
}

func TestNewOperationErrorNil(t *testing.T) {
	assert.Nil(t, NewOperationError("op", "", nil))
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", RequestIDFromContext(ctx))
	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}
