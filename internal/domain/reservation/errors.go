package reservation

import "errors"

var (
	ErrNotFound          = errors.New("reservation request not found")
	ErrConflict          = errors.New("reservation request status changed concurrently")
	ErrNotActive         = errors.New("reservation request is not active")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotLinked means the user has no external account credentials on file.
	ErrNotLinked = errors.New("booking account not linked")

	ErrSlotTaken       = errors.New("slot no longer available")
	ErrUnavailable     = errors.New("booking gateway unavailable")
	ErrUnauthorized    = errors.New("booking gateway rejected credentials")
	ErrAmbiguousCommit = errors.New("booking commit outcome unknown")
)
