package orcherrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
	assert.NoError(t, Wrapf(nil, "context %d", 1))
}

func TestWrapPreservesChain(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "doing thing")
	require.Error(t, wrapped)
	assert.True(t, Is(wrapped, base))
	assert.Contains(t, wrapped.Error(), "doing thing")
	assert.Contains(t, wrapped.Error(), "boom")
}

func TestAsFindsTypedError(t *testing.T) {
	base := &ValidationError{Field: "run_id", Message: "empty"}
	wrapped := Wrap(base, "creating run")

	var ve *ValidationError
	require.True(t, As(wrapped, &ve))
	assert.Equal(t, "run_id", ve.Field)
}
