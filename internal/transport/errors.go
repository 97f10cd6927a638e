package transport

import (
	"errors"
	"fmt"
)

// Sentinel error kinds. Callers classify failures with errors.Is.
var (
	// ErrInvalidArgument marks rejected constructor or listener arguments.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrIllegalState marks operations attempted while disconnected.
	ErrIllegalState = errors.New("illegal state")

	// ErrUnsupported marks operations this transport cannot perform
	// (multiplexing, X509 auth over websocket).
	ErrUnsupported = errors.New("unsupported operation")
)

// TransportError wraps a transport-level failure: a failed connect, an
// acknowledgment for a message never delivered, or unparseable inbound data.
type TransportError struct {
	Op    string
	Cause error
}

func (e *TransportError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("transport: %s", e.Op)
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
