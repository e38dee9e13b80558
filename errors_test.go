package chainbridge

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBridgeError_WrappingAndCodes(t *testing.T) {
	cause := errors.New("socket closed")
	err := &BridgeError{Code: ErrCodeBackend, Err: cause}

	assert.Equal(t, "backend_error: socket closed", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeBackend, CodeOf(err))

	// Nested wrapping still resolves the code.
	wrapped := fmt.Errorf("turn failed: %w", err)
	assert.Equal(t, ErrCodeBackend, CodeOf(wrapped))
}

func TestCodeOf_UnknownErrorDefaultsToBackend(t *testing.T) {
	assert.Equal(t, ErrCodeBackend, CodeOf(errors.New("mystery")))
}

func TestBridgeError_NilCause(t *testing.T) {
	err := &BridgeError{Code: ErrCodeCancelled}
	assert.Equal(t, "cancelled", err.Error())
	assert.Nil(t, err.Unwrap())
}
