package relationship

import "errors"

var (
	// ErrInvalidTransition is returned when the requested action is not
	// legal from the pair's current relationship state. It is surfaced to
	// the caller as a rejected request and never retried automatically.
	ErrInvalidTransition = errors.New("invalid relationship transition")

	// ErrEdgeConflict is returned when a concurrent writer won the race for
	// the pair and the single internal retry also lost.
	ErrEdgeConflict = errors.New("conflicting relationship write")

	// ErrUnknownUser is returned when a transition references a user id
	// that does not exist.
	ErrUnknownUser = errors.New("unknown user")
)
