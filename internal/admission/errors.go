package admission

import (
	"errors"

	"reigh/internal/store"
	"reigh/internal/timeline"
)

// Error classification helpers for callers of the surface. Contention never
// surfaces as an error (an empty claim result stands in for it), and
// precondition failures use the boolean "no row updated" convention.

// IsNotFound reports a missing task, generation, shot, shot link, user, or
// worker.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}

// IsInvalidInput reports a malformed timeline batch: negative frames,
// duplicate frames or generations, or a generation not linked to the shot.
func IsInvalidInput(err error) bool {
	return errors.Is(err, timeline.ErrNegativeFrame) ||
		errors.Is(err, timeline.ErrDuplicateFrame) ||
		errors.Is(err, timeline.ErrDuplicateGeneration) ||
		errors.Is(err, timeline.ErrNotLinked) ||
		errors.Is(err, timeline.ErrNoUnpositionedLink)
}
