// Package cell implements the two cell actor kinds: Src (source cells,
// spec.md §4.1) and Drv (derived cells running the glitch-free merge
// algorithm, spec.md §4.3). It is the direct generalization of the
// teacher's higrt package: the same lock-state machine and change
// propagation, restructured around the spec's message contract
// (spec.md §6) instead of the teacher's ad hoc message names.
package cell

import (
	"hig-runtime/reactive"
	"hig-runtime/txn"
)

// LockMode is the mode a transaction requests a lock in (spec.md §4.1).
type LockMode int

const (
	Read LockMode = iota
	Write
	Upgrade
)

func (m LockMode) String() string {
	switch m {
	case Read:
		return "Read"
	case Write:
		return "Write"
	case Upgrade:
		return "Upgrade"
	default:
		return "LockMode(?)"
	}
}

// AbortReason classifies why a transaction's action was aborted
// (spec.md §7).
type AbortReason int

const (
	ReasonConflict AbortReason = iota
	ReasonEvalError
	ReasonOverloaded
)

func (r AbortReason) String() string {
	switch r {
	case ReasonConflict:
		return "Conflict"
	case ReasonEvalError:
		return "EvalError"
	case ReasonOverloaded:
		return "Overloaded"
	default:
		return "AbortReason(?)"
	}
}

// --- Svc -> Src lock protocol ---

type LockRequest struct {
	Txn  txn.ID
	Mode LockMode
}

type LockGranted struct{ Txn txn.ID }

type LockDenied struct {
	Txn    txn.ID
	Reason AbortReason
}

type LockRelease struct{ Txn txn.ID }

// --- Svc <-> Src read/write protocol ---

type ReadRequest struct{ Txn txn.ID }

type ReadFinish struct {
	Txn       txn.ID
	Value     any
	Iteration reactive.Iteration
	// Provides carries the provenance of the value being read, so the
	// reading transaction's eventual write basis includes it
	// (spec.md §4.1's ReadRequest is "the only read of self permitted
	// mid-transaction"; the provenance lets Drv cells downstream of a
	// blind-write-after-read still see a correct Requires set).
	Provides []txn.Tx
}

type WriteRequest struct {
	Txn      txn.ID
	Value    any
	Writes   []reactive.ReactiveAddress
	Requires []txn.Tx
}

type WriteFinish struct{ Txn txn.ID }

// --- propagation (Src/Drv -> subscribers) ---

// PropChange is the single message type every publisher (Src or Drv)
// emits on commit. From identifies the publisher; Basis is the merged
// causal input set; Preds is the set of transactions this change's
// value is known to causally depend on, used by Drv cells to compute
// their own Requires set without re-deriving it from Basis alone.
type PropChange struct {
	From  reactive.ReactiveAddress
	Value any
	Basis reactive.BasisStamp
	Preds []txn.Tx
}

// --- pub/sub wiring (spec.md §4.4) ---

type Subscribe struct{}

type Unsubscribe struct{}

// SubscriptionGranted answers Subscribe with the publisher's current
// value, its basis (so a fresh subscriber's first candidate batch is
// checked for compatibility against the real basis the value was
// produced at, not a vacuously-compatible empty one — otherwise a
// derived cell with two inputs sharing a root could merge one input's
// post-write value against the other's still-unwritten default and
// publish a glitched result), its provenance, and (per SPEC_FULL.md
// D.3) the full transitive set of root Src addresses behind that
// value, so a Drv subscribing through another Drv learns its complete
// basis vocabulary in one round trip instead of walking the
// dependency graph itself.
type SubscriptionGranted struct {
	Value         any
	Basis         reactive.BasisStamp
	Provides      []txn.Tx
	RootAddresses []reactive.ReactiveAddress
}

// --- assertion support (external harness) ---

type TestRequestPred struct {
	TestID string
	PredID txn.ID
}

type TestRequestPredGranted struct {
	TestID string
	Cell   reactive.ReactiveAddress
	Value  any
	Found  bool
}
