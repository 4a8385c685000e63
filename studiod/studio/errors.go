package studio

import "errors"

var (
	ErrDuplicateSource = errors.New("source already present")
	ErrUnknownSource   = errors.New("unknown source")
	ErrSourceNotFound  = errors.New("source not found")
	// ErrRemovalPending is returned when a branch could not be cut out of
	// the graph in time. The branch stays registered and can be removed again.
	ErrRemovalPending     = errors.New("branch removal pending")
	ErrFallbackBranch     = errors.New("the fallback branch cannot be removed")
	ErrNotSwitchable      = errors.New("source has no video input on the selector")
	ErrStreamsIncomplete  = errors.New("stream discovery did not complete")
	ErrUnknownPipeline    = errors.New("unknown pipeline")
	ErrInvalidDescription = errors.New("invalid pipeline description")
	ErrClosed             = errors.New("manager is shut down")
)
