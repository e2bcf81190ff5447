package event

import "errors"

var (
	// ErrIllegalTransition is returned when the requested state is not the
	// successor of the current state for the event's balance type.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNoRollbackAvailable is returned by RollbackOnce when no transition has
	// been made since the event was created, loaded or last rolled back.
	ErrNoRollbackAvailable = errors.New("no rollback available")

	// ErrLockConflict is returned when an event is registered for a chunk that
	// already has an active event.
	ErrLockConflict = errors.New("chunk already has an active rebalance event")

	// ErrPersistFailed is returned when the event document could not be
	// written before the caller gave up. The in-memory state is unchanged.
	ErrPersistFailed = errors.New("failed to persist event")

	// ErrChunkMismatch is returned by Refresh when the chunk does not belong to the event.
	ErrChunkMismatch = errors.New("chunk does not belong to event")
)
