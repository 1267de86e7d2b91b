package state

import (
	"fmt"

	"github.com/tabfence/tabfence/pkg/models"
)

// InvalidTransitionError is returned when a requested state change is not
// present in the transition table. The context is forced to ERROR before
// this is returned; the failure is terminal for the context.
type InvalidTransitionError struct {
	ID   string
	From models.ContextState
	To   models.ContextState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for context %s: %s -> %s", e.ID, e.From, e.To)
}

// InvalidStateError is returned when an operation requires the context to
// be in a particular state and it is not. The context keeps its current
// state; the caller may retry once the precondition is met.
type InvalidStateError struct {
	ID       string
	Op       string
	Current  models.ContextState
	Required models.ContextState
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s requires context %s in state %s, current state is %s",
		e.Op, e.ID, e.Required, e.Current)
}

// NotFoundError is returned when an operation references a context that is
// not in the registry.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("context %s not found", e.ID)
}

// RotationInFlightError is returned when a rotation or destruction is
// requested while an identity rotation is already running for the same
// context. At most one rotation is in flight per context; a concurrent
// call is rejected, never queued.
type RotationInFlightError struct {
	ID string
}

func (e *RotationInFlightError) Error() string {
	return fmt.Sprintf("identity rotation already in flight for context %s", e.ID)
}
