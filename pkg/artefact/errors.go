package artefact

import (
	"errors"
	"fmt"
)

// ErrStaleHandle is returned by every operation on an artefact whose backend
// object is known to be gone.
var ErrStaleHandle = errors.New("stale artefact handle")

// ErrForeignArtefact is returned when an artefact is passed to a manager that
// does not own it.
var ErrForeignArtefact = errors.New("artefact belongs to another manager")

// StaleHandleError records the last known path of a retired handle.
type StaleHandleError struct {
	Path string
}

func (e *StaleHandleError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, ErrStaleHandle)
}

func (e *StaleHandleError) Is(target error) bool {
	return target == ErrStaleHandle
}
