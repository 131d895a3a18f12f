package fixfinder

import "github.com/pkg/errors"

var (
	// ErrNotConnected is returned when a push emit is attempted while the
	// channel transport is down. REST-backed actions are never gated on it.
	ErrNotConnected = errors.New("channel not connected")

	// ErrInvalidTransition is returned for a job transition the canonical
	// lifecycle does not allow from the current state.
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrReasonRequired is returned when cancelling a job without a reason.
	ErrReasonRequired = errors.New("cancellation reason required")

	// ErrNoActiveJob is returned for job actions on a conversation that has
	// no attached job.
	ErrNoActiveJob = errors.New("no active job")

	// ErrAlreadySharing is returned when starting a location share while a
	// session is already active.
	ErrAlreadySharing = errors.New("location share already active")
)
