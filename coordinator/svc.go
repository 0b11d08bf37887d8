package coordinator

import (
	"fmt"
	"math/rand"
	"reflect"
	"time"

	"hig-runtime/actorsys"
	"hig-runtime/cell"
	"hig-runtime/eval"
	"hig-runtime/reactive"
	"hig-runtime/txn"

	"github.com/creachadair/taskgroup"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

// DefaultRetryCap bounds the number of times DoAction restarts a
// transaction after a wait-die denial before surfacing
// ActionAborted(Conflict) to the caller (spec.md §7 item 1: "suggested:
// exponential backoff, cap N=8").
const DefaultRetryCap = 8

// Assignment is one straight-line (cell, new_expr) pair in an action
// body (spec.md §3). Reads names the free variables the expression
// depends on; the registry resolves each name to a cell address so the
// coordinator can compute the action's read set without inspecting the
// expression tree itself (expression structure is the external
// evaluator's concern, spec.md §1).
type Assignment struct {
	Cell  string
	Reads []string
	Expr  eval.Expr
}

// Svc is the service coordinator (spec.md §4.2): it owns the cell
// registry for one service and drives the five-stage transaction
// pipeline. It generalizes the teacher's higrt.Runtime, whose
// NewVariable/Definition/Transact are split here into NewService
// (cell creation, once, from Decls) and DoAction (transaction
// execution, repeatedly).
type Svc struct {
	name      string
	router    actorsys.Router
	registry  *Registry
	remote    Resolver
	evaluator eval.Evaluator
	log       zerolog.Logger
	retryCap  int

	// pending exposes in-flight transaction records for introspection
	// (tests, debugging) the way spec.md's data model names them as
	// Svc-local state; DoAction's control flow does not read this map
	// back, it only publishes to it, so a concurrent map is the right
	// tool — many client goroutines may call DoAction at once, each
	// writing its own entry, while at most one inspector reads.
	pending *xsync.MapOf[txn.ID, *TransactionRecord]
}

// TransactionState is the Svc-local transaction state machine
// (spec.md §3).
type TransactionState int

const (
	StateInit TransactionState = iota
	StateLocking
	StateExecuting
	StateReleasing
	StateCommitted
	StateAborted
)

// TransactionRecord mirrors the Svc-local record spec.md §3 names.
type TransactionRecord struct {
	TxnID      txn.ID
	ReadSet    []reactive.ReactiveAddress
	WriteSet   []reactive.ReactiveAddress
	State      TransactionState
	LocksHeld  map[reactive.ReactiveAddress]cell.LockMode
}

// Options configures a Svc beyond its required constructor arguments.
type Options struct {
	// Remote resolves cells owned by other services (spec.md §9:
	// "Remote cells... transport is opaque"). Nil means this service
	// never references remote cells.
	Remote Resolver
	// RetryCap overrides DefaultRetryCap.
	RetryCap int
	Logger   *zerolog.Logger
}

// NewService creates every cell named in decls, wires Drv subscriptions
// to their inputs, and returns a running Svc. It fails before any actor
// is spawned if decls contain a cycle (spec.md §9). A Drv input that
// resolves to nothing (spec.md §7 item 4) is detected while wiring, after
// every actor has been created and the cells declared before it have
// started; those actors are not freed when the error is returned.
func NewService(name string, router actorsys.Router, evaluator eval.Evaluator, decls []Decl, opts Options) (*Svc, error) {
	if err := ValidateAcyclic(decls); err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	svc := &Svc{
		name:      name,
		router:    router,
		registry:  NewRegistry(name),
		remote:    opts.Remote,
		evaluator: evaluator,
		log:       logger.With().Str("service", name).Logger(),
		retryCap:  opts.RetryCap,
		pending:   xsync.NewMapOf[txn.ID, *TransactionRecord](),
	}
	if svc.retryCap == 0 {
		svc.retryCap = DefaultRetryCap
	}

	// Pass 1: create every actor and register its address, so Drv
	// subscriptions in pass 2 can resolve any local target regardless
	// of declaration order.
	actors := make(map[string]actorsys.Actor, len(decls))
	for _, d := range decls {
		actor := router.CreateActor(name + "/" + d.Name)
		actors[d.Name] = actor
		kind := SrcKind
		if d.Kind == DrvKind {
			kind = DrvKind
		}
		svc.registry.register(d.Name, actor.Address, kind)
	}

	// Pass 2: start each actor's Run loop with its fully-resolved
	// state.
	for _, d := range decls {
		actor := actors[d.Name]
		addr := reactive.Addr(name, d.Name)

		switch d.Kind {
		case SrcKind:
			src := cell.NewSrc(actor, addr, d.Initial, svc.log)
			go src.Run()
		case DrvKind:
			inputs := make([]cell.InputSpec, 0, len(d.Inputs))
			for _, ref := range d.Inputs {
				target, ok := svc.resolveInput(ref)
				if !ok {
					return nil, fmt.Errorf("%w: %s.%s needs %s", ErrUnknownSubscription, d.Name, ref.Name, refString(ref))
				}
				inputs = append(inputs, cell.InputSpec{Name: ref.Name, Target: target})
			}
			drv := cell.NewDrv(actor, addr, d.Expr, evaluator, inputs, d.GlitchFree, svc.log)
			go drv.Run()
		default:
			return nil, fmt.Errorf("coordinator: unknown decl kind for %s", d.Name)
		}
	}

	return svc, nil
}

func refString(ref InputRef) string {
	if ref.Service == "" {
		return ref.Cell
	}
	return ref.Service + "/" + ref.Cell
}

func (s *Svc) resolveInput(ref InputRef) (actorsys.Address, bool) {
	if ref.Service == "" || ref.Service == s.name {
		return s.registry.Resolve(reactive.Addr(s.name, ref.Cell))
	}
	if s.remote == nil {
		return actorsys.Address{}, false
	}
	return s.remote.Resolve(reactive.Addr(ref.Service, ref.Cell))
}

// Address resolves a local cell name to its ReactiveAddress, for
// callers (e.g. Inspect, tests) that want to name a cell the way an
// action body does.
func (s *Svc) Address(cellName string) (reactive.ReactiveAddress, bool) {
	e, ok := s.registry.lookupByName(cellName)
	if !ok {
		return reactive.ReactiveAddress{}, false
	}
	return e.reactiveAddr, true
}

func (s *Svc) actorFor(cellName string) (actorsys.Address, bool) {
	e, ok := s.registry.lookupByName(cellName)
	if !ok {
		return actorsys.Address{}, false
	}
	return e.actorAddr, true
}

// DoAction runs one client action to completion, retrying on wait-die
// denial up to retryCap times with exponential backoff (spec.md §7
// item 1), and returns the committed transaction's ID or a typed
// *ActionAbortedError.
func (s *Svc) DoAction(body []Assignment) (txn.ID, error) {
	writeSet, readSet, err := s.computeSets(body)
	if err != nil {
		return txn.ID{}, err
	}

	driver := s.router.CreateActor(s.name + "/txn")
	defer s.router.FreeActor(driver.Address)

	id := txn.New(driver.Address)
	backoff := time.Millisecond
	for attempt := 0; attempt <= s.retryCap; attempt++ {
		committed, err := s.attempt(driver, id, body, readSet, writeSet)
		if committed {
			return id, nil
		}
		if err != nil {
			return txn.ID{}, err
		}
		if attempt == s.retryCap {
			return txn.ID{}, &ActionAbortedError{Reason: ReasonConflict, Err: fmt.Errorf("exhausted %d retries", s.retryCap)}
		}
		// spec.md §4.2 step 2: restart with a fresh, smaller TxnId, not a
		// fresh younger one, so repeated denials age this transaction
		// toward eventually winning wait-die instead of losing forever.
		id = txn.NewOlderThan(driver.Address, id)
		time.Sleep(backoff + time.Duration(rand.Int63n(int64(backoff)+1)))
		backoff *= 2
	}
	return txn.ID{}, &ActionAbortedError{Reason: ReasonConflict}
}

func (s *Svc) computeSets(body []Assignment) (writeSet, readSet []reactive.ReactiveAddress, err error) {
	writes := map[reactive.ReactiveAddress]bool{}
	reads := map[reactive.ReactiveAddress]bool{}

	for _, a := range body {
		addr, ok := s.Address(a.Cell)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCell, a.Cell)
		}
		writes[addr] = true
	}
	for _, a := range body {
		for _, r := range a.Reads {
			addr, ok := s.Address(r)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s", ErrUnknownCell, r)
			}
			if !writes[addr] {
				reads[addr] = true
			}
		}
	}

	writeSet = make([]reactive.ReactiveAddress, 0, len(writes))
	for a := range writes {
		writeSet = append(writeSet, a)
	}
	readSet = make([]reactive.ReactiveAddress, 0, len(reads))
	for a := range reads {
		readSet = append(readSet, a)
	}
	return writeSet, readSet, nil
}

// attempt runs one Init->Locking->Executing->Releasing pass for the
// given id. It returns (true, nil) on commit, (false, nil) on a
// wait-die denial the caller should retry with an aged id, or
// (false, err) on a terminal error (spec.md §7 items 2-3).
func (s *Svc) attempt(driver actorsys.Actor, id txn.ID, body []Assignment, readSet, writeSet []reactive.ReactiveAddress) (bool, error) {
	record := &TransactionRecord{TxnID: id, ReadSet: readSet, WriteSet: writeSet, State: StateInit, LocksHeld: map[reactive.ReactiveAddress]cell.LockMode{}}
	s.pending.Store(id, record)
	defer s.pending.Delete(id)

	record.State = StateLocking
	granted, denied := s.requestLocks(driver, id, readSet, writeSet)
	if len(denied) > 0 {
		s.releaseAll(driver, id, granted)
		s.log.Debug().Stringer("txn", id).Msg("wait-die denial, will retry with an aged txn")
		return false, nil
	}
	for addr, mode := range granted {
		record.LocksHeld[addr] = mode
	}

	record.State = StateExecuting
	values, requires, err := s.readAll(driver, id, readSet)
	if err != nil {
		s.releaseAll(driver, id, granted)
		return false, err
	}

	writes, err := s.evaluateWrites(body, values)
	if err != nil {
		s.releaseAll(driver, id, granted)
		return false, &ActionAbortedError{Reason: ReasonEvalError, Err: err}
	}

	if err := s.writeAll(driver, id, writeSet, writes, requires); err != nil {
		s.releaseAll(driver, id, granted)
		return false, err
	}

	record.State = StateReleasing
	// Critical sequencing rule (spec.md §4.2 step 4): write locks must
	// release — and therefore Src cells must publish — before the
	// client is told the transaction committed.
	s.releaseAll(driver, id, granted)

	record.State = StateCommitted
	return true, nil
}

func (s *Svc) requestLocks(driver actorsys.Actor, id txn.ID, readSet, writeSet []reactive.ReactiveAddress) (granted map[reactive.ReactiveAddress]cell.LockMode, denied []reactive.ReactiveAddress) {
	granted = map[reactive.ReactiveAddress]cell.LockMode{}
	targets := map[reactive.ReactiveAddress]cell.LockMode{}
	for _, a := range readSet {
		targets[a] = cell.Read
	}
	for _, a := range writeSet {
		targets[a] = cell.Write
	}
	if len(targets) == 0 {
		return granted, nil
	}

	addrToActor := map[reactive.ReactiveAddress]actorsys.Address{}
	g := taskgroup.New(nil)
	for addr, mode := range targets {
		target, ok := s.resolveAddress(addr)
		if !ok {
			denied = append(denied, addr)
			continue
		}
		addrToActor[addr] = target
		mode, target := mode, target
		g.Go(func() error {
			driver.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.LockRequest{Txn: id, Mode: mode}}
			return nil
		})
	}
	g.Wait()

	want := len(addrToActor)
	for want > 0 {
		msg := <-driver.Inbox
		switch msg.Data.(type) {
		case cell.LockGranted:
			for addr, actor := range addrToActor {
				if actor == msg.Sender {
					granted[addr] = targets[addr]
				}
			}
			want--
		case cell.LockDenied:
			for addr, actor := range addrToActor {
				if actor == msg.Sender {
					denied = append(denied, addr)
				}
			}
			want--
		default:
			// Ignore stray messages (e.g. a retried attempt's stale
			// reply arriving after this one already moved on).
		}
	}
	return granted, denied
}

func (s *Svc) releaseAll(driver actorsys.Actor, id txn.ID, granted map[reactive.ReactiveAddress]cell.LockMode) {
	for addr := range granted {
		target, ok := s.resolveAddress(addr)
		if !ok {
			continue
		}
		driver.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.LockRelease{Txn: id}}
	}
}

func (s *Svc) readAll(driver actorsys.Actor, id txn.ID, readSet []reactive.ReactiveAddress) (map[reactive.ReactiveAddress]any, []txn.Tx, error) {
	values := map[reactive.ReactiveAddress]any{}
	if len(readSet) == 0 {
		// Zero-read shortcut (spec.md §4.2): skip straight to
		// Executing without waiting on a nonexistent ReadFinish batch.
		return values, nil, nil
	}

	addrToActor := map[reactive.ReactiveAddress]actorsys.Address{}
	for _, addr := range readSet {
		target, ok := s.resolveAddress(addr)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnknownCell, addr)
		}
		addrToActor[addr] = target
		driver.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.ReadRequest{Txn: id}}
	}

	requiresSet := map[txn.ID][]reactive.ReactiveAddress{}
	want := len(readSet)
	for want > 0 {
		msg := (<-driver.Inbox)
		finish, ok := msg.Data.(cell.ReadFinish)
		if !ok {
			continue
		}
		for addr, actor := range addrToActor {
			if actor == msg.Sender {
				values[addr] = finish.Value
			}
		}
		for _, t := range finish.Provides {
			requiresSet[t.ID] = t.Writes
		}
		want--
	}

	requires := make([]txn.Tx, 0, len(requiresSet))
	for id, writes := range requiresSet {
		requires = append(requires, txn.Tx{ID: id, Writes: writes})
	}
	return values, requires, nil
}

func (s *Svc) evaluateWrites(body []Assignment, values map[reactive.ReactiveAddress]any) (map[string]any, error) {
	writes := make(map[string]any, len(body))
	for _, a := range body {
		env := eval.Env{}
		for _, r := range a.Reads {
			addr, ok := s.Address(r)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownCell, r)
			}
			env[r] = values[addr]
		}
		v, err := s.evaluator.Eval(a.Expr, env)
		if err != nil {
			return nil, err
		}
		writes[a.Cell] = v
	}
	return writes, nil
}

func (s *Svc) writeAll(driver actorsys.Actor, id txn.ID, writeSet []reactive.ReactiveAddress, writes map[string]any, requires []txn.Tx) error {
	if len(writeSet) == 0 {
		return nil
	}

	addrToActor := map[reactive.ReactiveAddress]actorsys.Address{}
	for _, addr := range writeSet {
		target, ok := s.resolveAddress(addr)
		if !ok {
			return fmt.Errorf("%w: %v", ErrUnknownCell, addr)
		}
		addrToActor[addr] = target
	}

	for cellName, value := range writes {
		addr, _ := s.Address(cellName)
		target := addrToActor[addr]
		driver.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.WriteRequest{
			Txn: id, Value: value, Writes: writeSet, Requires: requires,
		}}
	}

	want := len(writes)
	for want > 0 {
		msg := <-driver.Inbox
		if _, ok := msg.Data.(cell.WriteFinish); ok {
			want--
		}
	}
	return nil
}

func (s *Svc) resolveAddress(addr reactive.ReactiveAddress) (actorsys.Address, bool) {
	if actor, ok := s.registry.Resolve(addr); ok {
		return actor, true
	}
	if s.remote != nil {
		return s.remote.Resolve(addr)
	}
	return actorsys.Address{}, false
}

// Inspect subscribes an ephemeral actor to a cell and streams its
// value on every change, the way higrt.Inspect does for the teacher's
// assertion/debugging harness.
func (s *Svc) Inspect(cellName string) (<-chan any, error) {
	target, ok := s.actorFor(cellName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCell, cellName)
	}

	actor := s.router.CreateActor(s.name + "/inspect/" + cellName)
	values := make(chan any, actorsys.DefaultMailboxCapacity)

	go func() {
		actor.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.Subscribe{}}
		first := <-actor.Inbox
		granted, ok := first.Data.(cell.SubscriptionGranted)
		if !ok {
			panic("coordinator: expected SubscriptionGranted")
		}
		values <- granted.Value

		for msg := range actor.Inbox {
			if change, ok := msg.Data.(cell.PropChange); ok {
				values <- change.Value
			}
		}
	}()

	return values, nil
}

// AssertResult is the outcome of Assert (spec.md §6).
type AssertResult struct {
	Pass   bool
	Actual any
}

// Assert reads a cell's current value (without taking a lock — derived
// and source cells both answer a transient Subscribe/Unsubscribe pair
// synchronously for this) and compares it to expected (spec.md §7 item
// 5: never aborts the runtime, only reports pass/fail).
func (s *Svc) Assert(cellName string, expected any) (AssertResult, error) {
	target, ok := s.actorFor(cellName)
	if !ok {
		return AssertResult{}, fmt.Errorf("%w: %s", ErrUnknownCell, cellName)
	}

	actor := s.router.CreateActor(s.name + "/assert")
	defer s.router.FreeActor(actor.Address)

	actor.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.Subscribe{}}
	msg := <-actor.Inbox
	granted, ok := msg.Data.(cell.SubscriptionGranted)
	if !ok {
		return AssertResult{}, fmt.Errorf("coordinator: expected SubscriptionGranted from %s", cellName)
	}
	actor.Outbox <- actorsys.OutboundMessage{Target: target, Data: cell.Unsubscribe{}}

	pass := equalValues(granted.Value, expected)
	return AssertResult{Pass: pass, Actual: granted.Value}, nil
}

func equalValues(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
