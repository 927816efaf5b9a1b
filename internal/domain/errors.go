package domain

import "errors"

var (
	// ErrNotConnected is returned by message operations attempted while the
	// session is not connected. Callers surface it as an instruction to
	// connect first, never as a fault.
	ErrNotConnected = errors.New("whatsapp not connected")

	// ErrContactNotFound means target-name resolution yielded no chat or
	// contact match.
	ErrContactNotFound = errors.New("contact not found")

	// ErrMessageNotFound means a reply target id could not be located in any
	// open chat's recent window.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSessionCorrupted means the underlying session was destroyed or its
	// page closed; recoverable by one destroy-recreate-reinitialize cycle.
	ErrSessionCorrupted = errors.New("session corrupted")
)
