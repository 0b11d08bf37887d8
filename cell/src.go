package cell

import (
	"hig-runtime/actorsys"
	"hig-runtime/reactive"
	"hig-runtime/txn"

	"github.com/rs/zerolog"
)

// recentCommitCap bounds the ring buffer TestRequestPred resolves
// against (SPEC_FULL.md D.4): enough history that an assertion racing a
// concurrent write can still find the value a given transaction
// produced, without retaining unbounded history.
const recentCommitCap = 16

type commitRecord struct {
	txn   txn.ID
	value any
}

// held is a granted lock: who holds it and in what mode.
type held struct {
	mode    LockMode
	address actorsys.Address
}

// pendingWrite is a granted Write lock that has received its
// WriteRequest and is waiting for LockRelease to commit (spec.md
// §4.1: WriteRequest "does not yet publish").
type pendingWrite struct {
	value    any
	writes   []reactive.ReactiveAddress
	requires []txn.Tx
}

// waiter is a queued lock request, kept in arrival order so release
// grants can walk the queue front-to-back (spec.md §4.1).
type waiter struct {
	txn     txn.ID
	mode    LockMode
	address actorsys.Address
}

// Src is a source cell: one mutable value, its generation counter, and
// a 2PL lock table admitted by wait-die (spec.md §4.1). It is the
// direct generalization of the teacher's higrt.Variable.
type Src struct {
	actorsys.Actor
	addr reactive.ReactiveAddress
	log  zerolog.Logger

	value     any
	iteration reactive.Iteration

	held    map[txn.ID]held
	pending map[txn.ID]pendingWrite
	queue   []waiter

	// valueProvides names the transaction (if any) that produced the
	// current value, so a fresh reader's basis includes it even before
	// any PropChange fan-out completes.
	valueProvides []txn.Tx

	subs    subscriberSet
	commits []commitRecord
}

// NewSrc constructs a Src cell bound to addr with an initial value.
// Callers (the coordinator's service init) are responsible for
// registering the returned actor's address with the router before any
// message is sent to it.
func NewSrc(actor actorsys.Actor, addr reactive.ReactiveAddress, initial any, logger zerolog.Logger) *Src {
	return &Src{
		Actor:   actor,
		addr:    addr,
		log:     logger.With().Stringer("cell", addr).Str("kind", "src").Logger(),
		value:   initial,
		held:    map[txn.ID]held{},
		pending: map[txn.ID]pendingWrite{},
	}
}

// Run is the cell's message loop. One goroutine, one cell, no shared
// mutable state touched by anyone else (spec.md §5).
func (s *Src) Run() {
	for msg := range s.Inbox {
		s.handle(msg)
		s.grantQueued()
	}
}

func (s *Src) handle(msg actorsys.InboundMessage) {
	switch data := msg.Data.(type) {
	case LockRequest:
		s.onLockRequest(msg.Sender, data)
	case LockRelease:
		s.onLockRelease(data)
	case ReadRequest:
		s.onReadRequest(msg.Sender, data)
	case WriteRequest:
		s.onWriteRequest(msg.Sender, data)
	case Subscribe:
		s.onSubscribe(msg.Sender)
	case Unsubscribe:
		s.subs.remove(msg.Sender)
	case TestRequestPred:
		s.onTestRequestPred(msg.Sender, data)
	default:
		panic("cell.Src: unexpected message type")
	}
}

func (s *Src) onSubscribe(who actorsys.Address) {
	s.subs.add(who)
	s.Outbox <- actorsys.OutboundMessage{
		Target: who,
		Data: SubscriptionGranted{
			Value: s.value,
			// Always name this root's own entry, even before its first
			// write (iteration 0): an "unwritten" basis still
			// disambiguates from whatever it becomes after a write, so
			// a subscriber's fallback candidate stays precise instead
			// of vacuously compatible with everything.
			Basis:         reactive.Singleton(s.addr, s.iteration),
			Provides:      s.valueProvides,
			RootAddresses: []reactive.ReactiveAddress{s.addr},
		},
	}
}

func (s *Src) onTestRequestPred(who actorsys.Address, req TestRequestPred) {
	for _, c := range s.commits {
		if c.txn == req.PredID {
			s.Outbox <- actorsys.OutboundMessage{Target: who, Data: TestRequestPredGranted{
				TestID: req.TestID, Cell: s.addr, Value: c.value, Found: true,
			}}
			return
		}
	}
	s.Outbox <- actorsys.OutboundMessage{Target: who, Data: TestRequestPredGranted{
		TestID: req.TestID, Cell: s.addr, Found: false,
	}}
}

// onLockRequest implements the wait-die admission rule of spec.md
// §4.1: a conflicting requester enqueues only if it is older than
// every current holder and every earlier waiter it conflicts with;
// otherwise it is denied immediately. A re-entrant request (same txn
// already holding a lock in the same mode) is granted immediately.
func (s *Src) onLockRequest(who actorsys.Address, req LockRequest) {
	if h, ok := s.held[req.Txn]; ok && h.mode == req.Mode {
		s.log.Debug().Stringer("txn", req.Txn).Msg("re-entrant lock request granted")
		s.Outbox <- actorsys.OutboundMessage{Target: who, Data: LockGranted{Txn: req.Txn}}
		return
	}

	conflicting := s.conflictingHolders(req.Txn, req.Mode)
	conflicting = append(conflicting, s.conflictingWaiters(req.Txn, req.Mode)...)

	if len(conflicting) == 0 {
		s.queue = append(s.queue, waiter{txn: req.Txn, mode: req.Mode, address: who})
		return
	}

	for _, c := range conflicting {
		if !req.Txn.Lt(c) {
			s.log.Debug().Stringer("txn", req.Txn).Stringer("conflictsWith", c).Msg("wait-die: denying younger requester")
			s.Outbox <- actorsys.OutboundMessage{Target: who, Data: LockDenied{Txn: req.Txn, Reason: ReasonConflict}}
			return
		}
	}

	s.queue = append(s.queue, waiter{txn: req.Txn, mode: req.Mode, address: who})
}

func (s *Src) conflictingHolders(requester txn.ID, mode LockMode) []txn.ID {
	var out []txn.ID
	for t, h := range s.held {
		if t == requester {
			continue
		}
		if !compatible(h.mode, mode) {
			out = append(out, t)
		}
	}
	return out
}

func (s *Src) conflictingWaiters(requester txn.ID, mode LockMode) []txn.ID {
	var out []txn.ID
	for _, w := range s.queue {
		if w.txn == requester {
			continue
		}
		if !compatible(w.mode, mode) {
			out = append(out, w.txn)
		}
	}
	return out
}

// compatible implements the matrix in spec.md §4.1: Read locks from
// distinct transactions stack; anything else conflicts with anything
// else (including itself across distinct transactions).
func compatible(holder, requester LockMode) bool {
	return holder == Read && requester == Read
}

func (s *Src) onLockRelease(req LockRelease) {
	if _, ok := s.held[req.Txn]; !ok {
		return
	}
	wasWrite := s.held[req.Txn].mode == Write || s.held[req.Txn].mode == Upgrade
	delete(s.held, req.Txn)

	if !wasWrite {
		return
	}

	pw, ok := s.pending[req.Txn]
	delete(s.pending, req.Txn)
	if !ok {
		// a write lock released without ever writing: nothing commits.
		return
	}

	s.iteration++
	s.value = pw.value
	provides := []txn.Tx{{ID: req.Txn, Writes: pw.writes}}
	s.valueProvides = provides

	s.commits = append(s.commits, commitRecord{txn: req.Txn, value: pw.value})
	if len(s.commits) > recentCommitCap {
		s.commits = s.commits[len(s.commits)-recentCommitCap:]
	}

	basis := reactive.Singleton(s.addr, s.iteration)
	s.log.Info().Stringer("txn", req.Txn).Uint64("iteration", uint64(s.iteration)).Msg("committed write, publishing")

	publish(s.Outbox, &s.subs, PropChange{
		From:  s.addr,
		Value: s.value,
		Basis: basis,
		Preds: append(provides, pw.requires...),
	})
}

func (s *Src) onReadRequest(who actorsys.Address, req ReadRequest) {
	if _, ok := s.held[req.Txn]; !ok {
		panic("cell.Src: ReadRequest with no held lock")
	}
	if _, pending := s.pending[req.Txn]; pending {
		panic("cell.Src: ReadRequest while a write for this txn is pending")
	}

	// The lock stays held until LockRelease, so the transaction keeps
	// every lock it took until its Releasing stage (strict 2PL).
	s.Outbox <- actorsys.OutboundMessage{Target: who, Data: ReadFinish{
		Txn:       req.Txn,
		Value:     s.value,
		Iteration: s.iteration,
		Provides:  s.valueProvides,
	}}
}

func (s *Src) onWriteRequest(who actorsys.Address, req WriteRequest) {
	h, ok := s.held[req.Txn]
	if !ok {
		panic("cell.Src: WriteRequest with no held lock")
	}
	if h.mode != Write && h.mode != Upgrade {
		panic("cell.Src: WriteRequest without a write lock")
	}

	s.pending[req.Txn] = pendingWrite{value: req.Value, writes: req.Writes, requires: req.Requires}
	s.Outbox <- actorsys.OutboundMessage{Target: who, Data: WriteFinish{Txn: req.Txn}}
}

// grantQueued walks the wait queue front-to-back, granting as many
// compatible waiters as possible (spec.md §4.1). Locks are granted
// against the state accumulated so far in this pass, so several
// compatible Read waiters may all be granted in one call.
func (s *Src) grantQueued() {
	if s.hasActiveWrite() {
		return
	}

	remaining := s.queue[:0:0]
	granted := false
	for _, w := range s.queue {
		if granted && w.mode != Read {
			remaining = append(remaining, w)
			continue
		}
		if s.wouldConflictWithHeld(w.mode) {
			remaining = append(remaining, w)
			continue
		}
		s.held[w.txn] = held{mode: w.mode, address: w.address}
		s.Outbox <- actorsys.OutboundMessage{Target: w.address, Data: LockGranted{Txn: w.txn}}
		if w.mode != Read {
			granted = true
		}
	}
	s.queue = remaining
}

func (s *Src) hasActiveWrite() bool {
	for _, h := range s.held {
		if h.mode == Write || h.mode == Upgrade {
			return true
		}
	}
	return false
}

func (s *Src) wouldConflictWithHeld(mode LockMode) bool {
	for _, h := range s.held {
		if !compatible(h.mode, mode) {
			return true
		}
	}
	return false
}
