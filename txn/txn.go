// Package txn defines transaction identity: a total order over
// transactions that wait-die locking depends on (spec.md §4.1), and the
// small provenance record (Tx) that basis-stamp propagation carries
// alongside a change so a Drv cell's dedup/causal bookkeeping can name
// "the transaction that produced this write" without reaching back into
// the coordinator.
package txn

import (
	"time"

	"hig-runtime/actorsys"
	"hig-runtime/reactive"

	"github.com/rs/xid"
)

// ID totally orders transactions: older (smaller) transactions may wait
// on a lock a younger one holds, and younger ones must abort (wait-die,
// spec.md §4.1). xid.ID is itself time-sortable (embeds a Unix
// timestamp, a machine id, and a counter), so comparing two IDs
// byte-for-byte already gives "older = created first" almost always;
// the Creator field breaks the extremely rare tie between two ids
// minted in the same xid counter tick on different machines, and lets a
// transaction log attribute an ID to its owning actor.
type ID struct {
	xid     xid.ID
	Creator actorsys.Address
}

// New mints a fresh transaction ID attributed to creator. IDs are
// strictly increasing per process because xid.New reads a global
// atomic counter combined with the wall clock.
func New(creator actorsys.Address) ID {
	return ID{xid: xid.New(), Creator: creator}
}

// NewOlderThan mints a transaction ID strictly older than prev, still
// attributed to creator. spec.md §4.2 step 2 requires a wait-die retry
// to restart with "a fresh, smaller TxnId" rather than a fresh younger
// one, so that a transaction repeatedly denied a lock ages with every
// retry and eventually becomes the oldest contender in the room,
// guaranteeing it wins wait-die instead of losing forever.
func NewOlderThan(creator actorsys.Address, prev ID) ID {
	return ID{xid: xid.NewWithTime(prev.xid.Time().Add(-time.Millisecond)), Creator: creator}
}

// Zero is the unset ID, used as a sentinel the way the teacher's
// Txid{} zero-value comparisons are used throughout higrt/variable.go.
var Zero ID

func (id ID) IsZero() bool { return id == Zero }

// Lt reports whether id is older than other (spec.md: "smaller TxnId =
// older").
func (id ID) Lt(other ID) bool {
	c := id.xid.Compare(other.xid)
	if c != 0 {
		return c < 0
	}
	return id.Creator.Less(other.Creator)
}

func (id ID) String() string { return id.xid.String() }

// Tx pairs a transaction ID with the set of cell addresses it writes
// to, so a change's recipients can tell which other cells were written
// atomically alongside this one without needing to ask the coordinator.
type Tx struct {
	ID     ID
	Writes []reactive.ReactiveAddress
}
