package chainbridge

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable, machine-readable classification for failures
// surfaced by the bridge. Codes are part of the client-facing contract
// and must not change between releases.
type ErrorCode string

const (
	// ErrCodeSchema marks a malformed tool definition supplied by the
	// caller. Rejected before any backend call is made.
	ErrCodeSchema ErrorCode = "schema_error"

	// ErrCodeExtraction marks backend text whose call-block delimiters
	// are present but unparsable. Surfaced as a degraded response, not
	// a hard failure.
	ErrCodeExtraction ErrorCode = "extraction_error"

	// ErrCodeContinuity marks a failure to derive conversation identity.
	// Unreachable by construction; kept so logs stay greppable if the
	// invariant is ever broken.
	ErrCodeContinuity ErrorCode = "continuity_error"

	// ErrCodeBackend marks timeouts, connection failures, and
	// non-success statuses from the backend.
	ErrCodeBackend ErrorCode = "backend_error"

	// ErrCodeCancelled marks a client disconnect mid-stream.
	ErrCodeCancelled ErrorCode = "cancelled"
)

// BridgeError wraps an underlying failure with a stable code so callers
// can branch on the class of failure without string matching.
type BridgeError struct {
	Code ErrorCode
	Err  error
}

func (e *BridgeError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// newBridgeError builds a coded error wrapping err.
func newBridgeError(code ErrorCode, format string, args ...any) *BridgeError {
	return &BridgeError{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the ErrorCode carried by err, or ErrCodeBackend when
// err is not a BridgeError. An unknown failure reaching the client is,
// from its point of view, a backend failure.
func CodeOf(err error) ErrorCode {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Code
	}
	return ErrCodeBackend
}
