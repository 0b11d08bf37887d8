package cell

import (
	"sort"

	"hig-runtime/actorsys"
	"hig-runtime/eval"
	"hig-runtime/reactive"
	"hig-runtime/txn"

	"github.com/rs/zerolog"
)

// bufferedEntry is a stamped value (value, basis, provenance) plus the
// internal arrival sequence SPEC_FULL.md D.1 adds: a local monotone
// counter distinct from the basis stamp, used by dropStaleBuffers to
// order two buffered values for the same input even when they are
// incomparable by basis alone (only possible when the
// input is itself a Drv merging multiple roots, never for a single Src
// input, whose own basis entries are totally ordered by iteration).
type bufferedEntry struct {
	value any
	basis reactive.BasisStamp
	preds []txn.Tx
	seq   int
}

// Drv is a derived cell: it subscribes to named inputs, buffers
// stamped arrivals, and emits a new output only when a consistent
// (basis-compatible) batch of inputs is available (spec.md §4.3). This
// is the hardest part of the system; it generalizes the teacher's
// higrt.definition, which used a different (Tarjan/SCC-based) batching
// strategy — this module instead implements spec.md's own try_advance
// procedure directly, since that is the authority for this module.
type Drv struct {
	actorsys.Actor
	addr reactive.ReactiveAddress
	log  zerolog.Logger

	expr      eval.Expr
	evaluator eval.Evaluator

	inputOrder []string
	targets    map[string]actorsys.Address
	senderName map[actorsys.Address]string

	buffers    map[string][]bufferedEntry
	current    map[string]bufferedEntry
	inputRoots map[string][]reactive.ReactiveAddress
	seq        int

	currentBasis reactive.BasisStamp
	currentValue any
	hasValue     bool

	lastProvides []txn.Tx
	rootAddrs    []reactive.ReactiveAddress

	glitchFree bool

	subs    subscriberSet
	commits []drvCommitRecord
}

type drvCommitRecord struct {
	provides []txn.Tx
	value    any
}

// InputSpec names one free variable of expr and the actor mailbox of
// the cell it resolves against. The coordinator's cell registry (see
// package coordinator) resolves a ReactiveAddress to this actorsys.Address
// before the Drv is constructed, since cells are created once at
// service startup from the parsed declarations (spec.md §3 Lifecycle)
// with the registry already in hand.
type InputSpec struct {
	Name   string
	Target actorsys.Address
}

// NewDrv constructs a derived cell. inputs must cover exactly the free
// variables of expr (spec.md §3: input_names is "computed once at AST
// load" by the external parser/loader; it is supplied here rather than
// derived, since expression-tree inspection is out of scope for this
// package). The cell subscribes to every input as soon as it starts
// running.
func NewDrv(actor actorsys.Actor, addr reactive.ReactiveAddress, expr eval.Expr, evaluator eval.Evaluator, inputs []InputSpec, glitchFree bool, logger zerolog.Logger) *Drv {
	order := make([]string, 0, len(inputs))
	targets := make(map[string]actorsys.Address, len(inputs))
	senderName := make(map[actorsys.Address]string, len(inputs))
	for _, in := range inputs {
		order = append(order, in.Name)
		targets[in.Name] = in.Target
		senderName[in.Target] = in.Name
	}
	sort.Strings(order)

	return &Drv{
		Actor:        actor,
		addr:         addr,
		log:          logger.With().Stringer("cell", addr).Str("kind", "drv").Logger(),
		expr:         expr,
		evaluator:    evaluator,
		inputOrder:   order,
		targets:      targets,
		senderName:   senderName,
		buffers:      map[string][]bufferedEntry{},
		current:      map[string]bufferedEntry{},
		inputRoots:   map[string][]reactive.ReactiveAddress{},
		currentBasis: reactive.Empty(),
		glitchFree:   glitchFree,
	}
}

// Run is the cell's message loop. It first subscribes to every input,
// then processes arrivals. It sends every Subscribe at once and then
// waits until each input has answered; this mirrors the teacher's
// higrt.Definition, which resolves its initial replica set synchronously
// before entering its main loop. Any other message that arrives during
// that handshake (a downstream Subscribe, an early PropChange) is held
// back and handled, in arrival order, once every input is known.
func (d *Drv) Run() {
	for _, name := range d.inputOrder {
		d.Outbox <- actorsys.OutboundMessage{Target: d.targets[name], Data: Subscribe{}}
	}

	remaining := map[string]bool{}
	for _, name := range d.inputOrder {
		remaining[name] = true
	}

	rootSet := map[reactive.ReactiveAddress]bool{}
	var deferred []actorsys.InboundMessage
	for len(remaining) > 0 {
		msg := <-d.Inbox
		granted, ok := msg.Data.(SubscriptionGranted)
		if !ok {
			deferred = append(deferred, msg)
			continue
		}
		name := d.nameForSender(msg.Sender)
		d.current[name] = bufferedEntry{value: granted.Value, basis: granted.Basis, preds: granted.Provides, seq: d.nextSeq()}
		d.currentBasis = reactive.Merge(d.currentBasis, granted.Basis)
		d.inputRoots[name] = granted.RootAddresses
		for _, r := range granted.RootAddresses {
			if !rootSet[r] {
				rootSet[r] = true
				d.rootAddrs = append(d.rootAddrs, r)
			}
		}
		delete(remaining, name)
	}

	d.recompute(d.lastProvides)

	for _, msg := range deferred {
		d.handle(msg)
	}

	for msg := range d.Inbox {
		d.handle(msg)
	}
}

func (d *Drv) nameForSender(sender actorsys.Address) string {
	name, ok := d.senderName[sender]
	if !ok {
		panic("cell.Drv: message from unrecognized input")
	}
	return name
}

func (d *Drv) handle(msg actorsys.InboundMessage) {
	switch data := msg.Data.(type) {
	case PropChange:
		d.onPropChange(msg.Sender, data)
	case Subscribe:
		d.onSubscribe(msg.Sender)
	case Unsubscribe:
		d.subs.remove(msg.Sender)
	case TestRequestPred:
		d.onTestRequestPred(msg.Sender, data)
	default:
		panic("cell.Drv: unexpected message type")
	}

	if d.glitchFree {
		d.tryAdvanceUntilStable()
	}
}

func (d *Drv) onSubscribe(who actorsys.Address) {
	d.subs.add(who)
	d.Outbox <- actorsys.OutboundMessage{Target: who, Data: SubscriptionGranted{
		Value:         d.currentValue,
		Basis:         d.currentBasis,
		Provides:      d.lastProvides,
		RootAddresses: d.rootAddrs,
	}}
}

func (d *Drv) onTestRequestPred(who actorsys.Address, req TestRequestPred) {
	for _, c := range d.commits {
		for _, p := range c.provides {
			if p.ID == req.PredID {
				d.Outbox <- actorsys.OutboundMessage{Target: who, Data: TestRequestPredGranted{
					TestID: req.TestID, Cell: d.addr, Value: c.value, Found: true,
				}}
				return
			}
		}
	}
	d.Outbox <- actorsys.OutboundMessage{Target: who, Data: TestRequestPredGranted{
		TestID: req.TestID, Cell: d.addr, Found: false,
	}}
}

func (d *Drv) onPropChange(sender actorsys.Address, change PropChange) {
	name := d.nameForSender(sender)
	entry := bufferedEntry{value: change.Value, basis: change.Basis, preds: change.Preds, seq: d.nextSeq()}

	if !d.glitchFree {
		d.current[name] = entry
		merged := d.currentBasis.Clone()
		for k, v := range entry.basis {
			merged[k] = v
		}
		d.currentBasis = merged
		preds := unionPreds(d.lastProvides, entry.preds)
		if d.recompute(preds) {
			d.recordAndPublish(preds)
		}
		return
	}

	d.buffers[name] = append(d.buffers[name], entry)
}

func (d *Drv) nextSeq() int {
	d.seq++
	return d.seq
}

// tryAdvanceUntilStable runs the glitch-free merge search (spec.md
// §4.3) until it can no longer make progress, since committing a batch
// may unblock another one immediately (step 5: "Repeat from step 2").
func (d *Drv) tryAdvanceUntilStable() {
	for {
		assignment, merged, ok := d.findConsistentBatch()
		if !ok {
			return
		}
		if !reactive.StrictlyAdvances(d.currentBasis, merged) {
			return
		}
		d.commitBatch(assignment, merged)
	}
}

// findConsistentBatch implements spec.md §4.3 step 2: walk inputs in
// deterministic order, picking for each the most recent buffered entry
// compatible with the basis assembled so far, falling back to the
// currently-applied entry, aborting the whole search if neither is
// available or compatible. A batch that passes the basis check can
// still be incomplete: two inputs with disjoint root sets never share a
// basis key, so Compatible alone cannot see that one transaction wrote
// both and the other input hasn't caught up yet. batchComplete catches
// that case using each entry's transaction provenance instead of its
// basis.
func (d *Drv) findConsistentBatch() (map[string]bufferedEntry, reactive.BasisStamp, bool) {
	assignment := map[string]bufferedEntry{}
	running := reactive.Empty()

	for _, name := range d.inputOrder {
		entry, ok := d.pickCandidate(name, running)
		if !ok {
			return nil, nil, false
		}
		assignment[name] = entry
		running = reactive.Merge(running, entry.basis)
	}

	if !d.batchComplete(assignment) {
		return nil, nil, false
	}

	return assignment, running, true
}

// batchComplete reports whether every transaction named in the batch's
// entries is fully reflected across every input it touches. An entry's
// Tx.Writes names every root address its producing transaction wrote
// atomically; if one of those roots feeds a different input of this
// Drv, that input's own chosen entry must carry the same transaction
// too, or the batch is a torn view of an atomic multi-root write
// (spec.md §8 scenario 3: a glitch-free Drv over two independent roots
// written by the same action must never expose the write to one root
// without the other).
func (d *Drv) batchComplete(assignment map[string]bufferedEntry) bool {
	for name, entry := range assignment {
		for _, tx := range entry.preds {
			for _, addr := range tx.Writes {
				for other, roots := range d.inputRoots {
					if other == name || !containsAddr(roots, addr) {
						continue
					}
					if !hasTxID(assignment[other].preds, tx.ID) {
						return false
					}
				}
			}
		}
	}
	return true
}

func containsAddr(addrs []reactive.ReactiveAddress, target reactive.ReactiveAddress) bool {
	for _, a := range addrs {
		if a == target {
			return true
		}
	}
	return false
}

func hasTxID(preds []txn.Tx, id txn.ID) bool {
	for _, t := range preds {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (d *Drv) pickCandidate(name string, running reactive.BasisStamp) (bufferedEntry, bool) {
	buf := d.buffers[name]
	for i := len(buf) - 1; i >= 0; i-- {
		if running.Compatible(buf[i].basis) {
			return buf[i], true
		}
	}
	if cur, ok := d.current[name]; ok && running.Compatible(cur.basis) {
		return cur, true
	}
	return bufferedEntry{}, false
}

func (d *Drv) commitBatch(assignment map[string]bufferedEntry, merged reactive.BasisStamp) {
	d.current = assignment
	d.currentBasis = merged

	preds := []txn.Tx{}
	for _, entry := range assignment {
		preds = unionPreds(preds, entry.preds)
	}

	d.dropStaleBuffers(assignment)
	if d.recompute(preds) {
		d.recordAndPublish(preds)
	}
}

// recordAndPublish is the tail shared by both paths that can change a
// Drv's output: the glitch-free batch commit and the non-glitch-free
// immediate-apply branch. It records the new value in the
// TestRequestPred ring buffer and fans it out to subscribers.
func (d *Drv) recordAndPublish(preds []txn.Tx) {
	d.lastProvides = preds

	d.commits = append(d.commits, drvCommitRecord{provides: preds, value: d.currentValue})
	if len(d.commits) > recentCommitCap {
		d.commits = d.commits[len(d.commits)-recentCommitCap:]
	}

	d.log.Info().Interface("basis", d.currentBasis).Msg("derived cell updated")

	publish(d.Outbox, &d.subs, PropChange{
		From:  d.addr,
		Value: d.currentValue,
		Basis: d.currentBasis,
		Preds: preds,
	})
}

// dropStaleBuffers implements the retention rule of spec.md §4.3: an
// entry may be dropped once a strictly-newer entry for the same input
// has been applied.
func (d *Drv) dropStaleBuffers(adopted map[string]bufferedEntry) {
	for name, entry := range adopted {
		buf := d.buffers[name]
		kept := buf[:0]
		for _, e := range buf {
			if e.seq > entry.seq {
				kept = append(kept, e)
			}
		}
		d.buffers[name] = kept
	}
}

// recompute re-evaluates expr against the current input assignment. It
// reports whether evaluation succeeded and currentValue was replaced
// (true even when the new value equals the old one); on evaluation
// failure it leaves currentValue untouched and reports false, so callers
// know not to publish a PropChange that would claim a new basis for a
// value that wasn't recomputed (spec.md §7 item 2: evaluation failure
// is terminal for the in-flight transaction, not the cell — a Drv has
// no transaction to fail, so it logs and keeps its last good value).
func (d *Drv) recompute(provides []txn.Tx) bool {
	env := eval.Env{}
	for name, entry := range d.current {
		env[name] = entry.value
	}
	value, err := d.evaluator.Eval(d.expr, env)
	if err != nil {
		d.log.Error().Err(err).Msg("derived cell evaluation failed")
		return false
	}
	d.currentValue = value
	d.hasValue = true
	d.lastProvides = provides
	return true
}

func unionPreds(a, b []txn.Tx) []txn.Tx {
	seen := map[txn.ID]bool{}
	out := make([]txn.Tx, 0, len(a)+len(b))
	for _, t := range a {
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	for _, t := range b {
		if !seen[t.ID] {
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	return out
}
