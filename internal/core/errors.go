package core

import "errors"

// Binding rejection reasons. Every one of them maps to "treat the
// caller as a fresh joiner" — never to partial trust.
var (
	ErrExpiredBinding       = errors.New("binding expired")
	ErrNonceMismatch        = errors.New("nonce mismatch")
	ErrIdentityMismatch     = errors.New("identity mismatch")
	ErrNonceAlreadyConsumed = errors.New("nonce already consumed")
	ErrUnknownBinding       = errors.New("unknown binding")
)

var (
	// ErrDegraded is returned for durable mutations while the shared
	// store is unreachable. Reads keep working from memory.
	ErrDegraded = errors.New("degraded: shared store unavailable")

	// ErrFenced is returned once an actor lost its ownership generation.
	ErrFenced = errors.New("fenced out")

	// ErrDraining is returned to new work while the instance shuts down.
	ErrDraining = errors.New("draining")

	// ErrMeetingEnded is returned for operations against an ended meeting.
	ErrMeetingEnded = errors.New("meeting ended")
)
