package relay

import "errors"

var (
	// ErrExtensionUnavailable is returned when a command is issued while no
	// extension agent connection exists.
	ErrExtensionUnavailable = errors.New("extension agent not connected")

	// ErrSessionClosed resolves pending requests whose owning session's
	// socket closed before a response arrived.
	ErrSessionClosed = errors.New("session closed")

	// ErrCommandTimeout resolves pending requests that received no response
	// within their deadline.
	ErrCommandTimeout = errors.New("command timed out")

	// ErrStopped resolves pending requests when the relay shuts down.
	ErrStopped = errors.New("relay stopped")
)
