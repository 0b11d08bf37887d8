// Package coordinator implements the service coordinator (Svc,
// spec.md §4.2): the strict two-phase-locking transaction pipeline that
// runs client actions atomically across Src cells, plus the
// service-local cell registry and init-time cycle check (spec.md §9,
// SPEC_FULL.md D.5). It generalizes the teacher's higrt.Runtime /
// higrt.Transact and the older drpdelta.orchestrator into the
// five-stage pipeline spec.md names explicitly.
package coordinator

import (
	"errors"
	"fmt"

	"hig-runtime/cell"
)

// AbortReason is an alias of cell.AbortReason, re-exported with its
// constants so callers of the client-facing API can name abort reasons
// without importing package cell.
type AbortReason = cell.AbortReason

const (
	ReasonConflict   = cell.ReasonConflict
	ReasonEvalError  = cell.ReasonEvalError
	ReasonOverloaded = cell.ReasonOverloaded
)

// ActionAbortedError is the typed reply for every non-commit outcome of
// DoAction (spec.md §6, §7).
type ActionAbortedError struct {
	Reason AbortReason
	Err    error
}

func (e *ActionAbortedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action aborted (%v): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("action aborted (%v)", e.Reason)
}

func (e *ActionAbortedError) Unwrap() error { return e.Err }

// ErrUnknownCell is returned from DoAction before any lock is taken
// when an action body names a cell the service has no registry entry
// for (spec.md §7 item 3: "Terminal at transaction start before any
// lock is taken").
var ErrUnknownCell = errors.New("coordinator: action references unknown cell")

// ErrCyclicDependency is returned by ValidateAcyclic (spec.md §9: cycles
// rejected at service-init time).
var ErrCyclicDependency = errors.New("coordinator: cyclic cell dependency")

// ErrUnknownSubscription is returned from NewService when a Drv
// declaration names an input the registry has no entry for (spec.md §7
// item 4: "Fatal at service init").
var ErrUnknownSubscription = errors.New("coordinator: subscription to unknown cell")
