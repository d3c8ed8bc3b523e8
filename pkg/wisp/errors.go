package wisp

import "errors"

// Error kinds surfaced by endpoint operations. Callers match them with
// errors.Is; operations wrap them with context via fmt.Errorf and %w.
var (
	// ErrNotInitialized means no open session exists for the operation.
	ErrNotInitialized = errors.New("session not initialized")

	// ErrInvalidArgument means a control value was rejected before any
	// server call was made.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrEndpointNotFound means no slot is bound to the given name.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrSlotsExhausted means every slot in the table is already bound.
	ErrSlotsExhausted = errors.New("no free endpoint slots")

	// ErrServerRejected means the audio server returned an error code for a
	// connect or control request.
	ErrServerRejected = errors.New("server rejected request")

	// ErrConnectionLost means the transport to the audio server failed.
	// Unlike ErrServerRejected it is fatal to the whole batch or session.
	ErrConnectionLost = errors.New("server connection lost")

	// ErrTimeout is a deadline expiry. Whether it fails the calling
	// operation (creation, initial connect) or is merely logged (control
	// confirmation, teardown) is decided per call site.
	ErrTimeout = errors.New("timed out")
)
