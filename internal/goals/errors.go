package goals

import (
	"errors"

	"github.com/quarrylabs/conveyor/internal/storage"
)

var (
	// ErrDuplicateGoal is returned by Create when an open goal already
	// covers the same idempotency key, or the same source and title
	// when no key is given. Create also returns the existing goal, so
	// callers can treat the rejection as a no-op rather than a failure.
	ErrDuplicateGoal = errors.New("duplicate goal")

	// ErrGoalNotFound is returned for an unknown goal id.
	ErrGoalNotFound = errors.New("goal not found")

	// ErrInvalidTransition is returned when a status change is not in
	// the legal transition set.
	ErrInvalidTransition = errors.New("invalid goal transition")

	// ErrCompletionBlocked is returned when a goal is asked to complete
	// before every subtask is resolved and the gate reports merged.
	ErrCompletionBlocked = errors.New("goal cannot complete")

	// ErrNotActive is returned by subtask operations on a goal that is
	// not currently active.
	ErrNotActive = errors.New("goal not active")

	// ErrNoPendingSubtasks is returned by AdvanceSubtask when every
	// subtask is already resolved.
	ErrNoPendingSubtasks = errors.New("no pending subtasks")

	// ErrStateCorruption covers persisted state that can no longer be
	// trusted. Corrupt records are quarantined, never dropped.
	ErrStateCorruption = errors.New("state corruption detected")

	// ErrPersist wraps a failed goal store write. The registry is the
	// engine's single source of truth, so callers treat it as fatal
	// instead of retrying into divergence.
	ErrPersist = errors.New("goal store write failed")

	// ErrExternalModification is raised before a save when the store
	// file changed outside this process. The store refuses to
	// overwrite. Save errors wrap it together with ErrStateCorruption,
	// so errors.Is matches either sentinel.
	ErrExternalModification = storage.ErrModifiedExternally
)
