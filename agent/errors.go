package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable is returned when a connection could not be
	// established or maintained after exhausting the retry budget.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrAuthRejected is returned for invalid, expired, or tampered
	// credentials and sessions. It is not retried automatically beyond a
	// single re-authentication attempt.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrIntegrity is returned when signature verification or decryption
	// of an envelope fails. Messages failing integrity checks are dropped
	// and never retried.
	ErrIntegrity = errors.New("message integrity check failed")

	// ErrCapabilityNotFound is returned when no live agent advertises a
	// required capability.
	ErrCapabilityNotFound = errors.New("capability not found")

	// ErrAgentNotFound is returned when an agent ID is not registered.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrMessageTooLarge is returned when a payload exceeds the configured
	// message size ceiling. The check happens before encoding.
	ErrMessageTooLarge = errors.New("message exceeds size ceiling")

	// ErrResponseTimeout is returned when a correlated response does not
	// arrive within the configured round-trip window.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrNotInitialized is returned when an operation requires a runtime
	// that has been initialized.
	ErrNotInitialized = errors.New("runtime not initialized")

	// ErrNotStarted is returned when an operation requires a started runtime.
	ErrNotStarted = errors.New("runtime not started")

	// ErrAlreadyStarted is returned when starting an already running runtime.
	ErrAlreadyStarted = errors.New("runtime already started")

	// ErrCapabilityRegistered is returned when registering a handler for a
	// capability tag that already has one.
	ErrCapabilityRegistered = errors.New("capability already registered")
)

// HandlerError wraps an error raised by a capability handler. The runtime
// converts it into an error response for request messages and logs it for
// fire-and-forget messages.
type HandlerError struct {
	Capability string
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %v", e.Capability, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
