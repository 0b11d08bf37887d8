package cell

import (
	"testing"
	"time"

	"hig-runtime/actorsys"
	"hig-runtime/eval"
	"hig-runtime/reactive"
	"hig-runtime/txn"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeInput stands in for whatever upstream cell a Drv under test
// subscribes to: it answers the initial Subscribe synchronously and
// then forwards anything pushed on send as a PropChange, addressed
// back to whichever actor sent the Subscribe (the Drv under test).
type fakeInput struct {
	actor actorsys.Actor
	addr  reactive.ReactiveAddress
	send  chan PropChange
}

func newFakeInput(t *testing.T, router actorsys.Router, name string, initial any, initialBasis reactive.BasisStamp) *fakeInput {
	t.Helper()
	actor := router.CreateActor("input-" + name)
	f := &fakeInput{actor: actor, addr: reactive.Addr("svc", name), send: make(chan PropChange, 16)}

	go func() {
		sub := <-actor.Inbox
		if _, ok := sub.Data.(Subscribe); !ok {
			panic("fakeInput: expected Subscribe first")
		}
		drv := sub.Sender
		actor.Outbox <- actorsys.OutboundMessage{Target: drv, Data: SubscriptionGranted{
			Value:         initial,
			Basis:         initialBasis,
			RootAddresses: []reactive.ReactiveAddress{f.addr},
		}}
		for change := range f.send {
			actor.Outbox <- actorsys.OutboundMessage{Target: drv, Data: change}
		}
	}()

	return f
}

func sumEvaluator() eval.Evaluator {
	return eval.Func(func(expr eval.Expr, env eval.Env) (eval.Expr, error) {
		names := expr.([]string)
		total := 0
		for _, n := range names {
			v, ok := env[n].(int)
			if !ok {
				return nil, eval.ErrUnboundVariable
			}
			total += v
		}
		return total, nil
	})
}

func drvOutputs(t *testing.T, router actorsys.Router, drvAddr actorsys.Address) (actorsys.Actor, <-chan PropChange) {
	t.Helper()
	observer := router.CreateActor("observer")
	ch := make(chan PropChange, 16)
	observer.Outbox <- actorsys.OutboundMessage{Target: drvAddr, Data: Subscribe{}}
	go func() {
		for msg := range observer.Inbox {
			if pc, ok := msg.Data.(PropChange); ok {
				ch <- pc
			}
		}
	}()
	return observer, ch
}

func recvPropChange(t *testing.T, ch <-chan PropChange) PropChange {
	t.Helper()
	select {
	case pc := <-ch:
		return pc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PropChange")
		panic("unreachable")
	}
}

// TestChainSingleInput exercises spec.md §8's "Chain" scenario: a
// single-input Drv republishes whenever its one input advances.
func TestChainSingleInput(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	a := newFakeInput(t, router, "a", 0, reactive.Singleton(reactive.Addr("svc", "a"), 0))

	drvActor := router.CreateActor("x")
	drv := NewDrv(drvActor, reactive.Addr("svc", "x"), []string{"a"},
		eval.Func(func(expr eval.Expr, env eval.Env) (eval.Expr, error) {
			return env["a"].(int) * 2, nil
		}),
		[]InputSpec{{Name: "a", Target: a.actor.Address}}, true, zerolog.Nop())
	go drv.Run()

	observer, ch := drvOutputs(t, router, drvActor.Address)
	defer router.FreeActor(observer.Address)

	a.send <- PropChange{From: a.addr, Value: 5, Basis: reactive.Singleton(a.addr, 1)}
	pc := recvPropChange(t, ch)
	require.Equal(t, 10, pc.Value)

	a.send <- PropChange{From: a.addr, Value: 6, Basis: reactive.Singleton(a.addr, 2)}
	pc = recvPropChange(t, ch)
	require.Equal(t, 12, pc.Value)
}

// TestDiamondGlitchFree exercises spec.md §8's "Diamond" scenario: z
// depends on x and y, which both ultimately depend on a. z must never
// observe a batch where one input reflects a's new iteration and the
// other still reflects the old one.
func TestDiamondGlitchFree(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	rootAddr := reactive.Addr("svc", "a")
	x := newFakeInput(t, router, "x", 0, reactive.Singleton(rootAddr, 0))
	y := newFakeInput(t, router, "y", 0, reactive.Singleton(rootAddr, 0))

	zActor := router.CreateActor("z")
	z := NewDrv(zActor, reactive.Addr("svc", "z"), []string{"x", "y"}, sumEvaluator(),
		[]InputSpec{{Name: "x", Target: x.actor.Address}, {Name: "y", Target: y.actor.Address}}, true, zerolog.Nop())
	go z.Run()

	observer, ch := drvOutputs(t, router, zActor.Address)
	defer router.FreeActor(observer.Address)

	// x advances alone: y's fallback still claims a:0, which now
	// conflicts with x's a:1, so no batch should form yet.
	x.send <- PropChange{From: x.addr, Value: 10, Basis: reactive.Singleton(rootAddr, 1)}

	select {
	case pc := <-ch:
		t.Fatalf("expected no commit with only one of two inputs advanced, got %#v", pc)
	case <-time.After(150 * time.Millisecond):
	}

	// y catches up to the same basis: now a consistent batch exists.
	y.send <- PropChange{From: y.addr, Value: 20, Basis: reactive.Singleton(rootAddr, 1)}
	pc := recvPropChange(t, ch)
	require.Equal(t, 30, pc.Value)
}

// TestTwoSourceGlitchFree exercises spec.md §8's "Two-source
// glitch-free" scenario: a Drv with two independent root inputs commits
// each input's advance as its own change when the two updates are
// unrelated (no shared producing transaction). This does not exercise
// an atomic multi-root write; see TestAtomicMultiRootWriteNeverGlitches
// for the case where both roots are written by the same transaction.
func TestTwoSourceGlitchFree(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	p := newFakeInput(t, router, "p", 1, reactive.Singleton(reactive.Addr("svc", "p"), 0))
	q := newFakeInput(t, router, "q", 2, reactive.Singleton(reactive.Addr("svc", "q"), 0))

	drvActor := router.CreateActor("sum")
	drv := NewDrv(drvActor, reactive.Addr("svc", "sum"), []string{"p", "q"}, sumEvaluator(),
		[]InputSpec{{Name: "p", Target: p.actor.Address}, {Name: "q", Target: q.actor.Address}}, true, zerolog.Nop())
	go drv.Run()

	observer, ch := drvOutputs(t, router, drvActor.Address)
	defer router.FreeActor(observer.Address)

	p.send <- PropChange{From: p.addr, Value: 5, Basis: reactive.Singleton(p.addr, 1)}
	pc := recvPropChange(t, ch)
	require.Equal(t, 7, pc.Value)

	q.send <- PropChange{From: q.addr, Value: 9, Basis: reactive.Singleton(q.addr, 1)}
	pc = recvPropChange(t, ch)
	require.Equal(t, 14, pc.Value)
}

// TestConcurrentIndependentInputs exercises spec.md §8's "Concurrent
// independent" scenario: rapid-fire updates to independent inputs each
// produce their own commit in arrival order, without waiting on each
// other.
func TestConcurrentIndependentInputs(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	p := newFakeInput(t, router, "p", 0, reactive.Singleton(reactive.Addr("svc", "p"), 0))
	q := newFakeInput(t, router, "q", 0, reactive.Singleton(reactive.Addr("svc", "q"), 0))

	drvActor := router.CreateActor("sum")
	drv := NewDrv(drvActor, reactive.Addr("svc", "sum"), []string{"p", "q"}, sumEvaluator(),
		[]InputSpec{{Name: "p", Target: p.actor.Address}, {Name: "q", Target: q.actor.Address}}, true, zerolog.Nop())
	go drv.Run()

	observer, ch := drvOutputs(t, router, drvActor.Address)
	defer router.FreeActor(observer.Address)

	for i := 1; i <= 3; i++ {
		p.send <- PropChange{From: p.addr, Value: i, Basis: reactive.Singleton(p.addr, reactive.Iteration(i))}
		pc := recvPropChange(t, ch)
		require.Equal(t, i, pc.Value)
	}
}

// TestNonGlitchFreeAppliesImmediately exercises the Open Question
// decision recorded in DESIGN.md: a non-glitch-free Drv applies each
// arriving input immediately instead of searching for a compatible
// batch, so it may transiently observe one input updated without the
// other.
func TestNonGlitchFreeAppliesImmediately(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	rootAddr := reactive.Addr("svc", "a")
	x := newFakeInput(t, router, "x", 0, reactive.Singleton(rootAddr, 0))
	y := newFakeInput(t, router, "y", 0, reactive.Singleton(rootAddr, 0))

	zActor := router.CreateActor("z")
	z := NewDrv(zActor, reactive.Addr("svc", "z"), []string{"x", "y"}, sumEvaluator(),
		[]InputSpec{{Name: "x", Target: x.actor.Address}, {Name: "y", Target: y.actor.Address}}, false, zerolog.Nop())
	go z.Run()

	observer, ch := drvOutputs(t, router, zActor.Address)
	defer router.FreeActor(observer.Address)

	x.send <- PropChange{From: x.addr, Value: 10, Basis: reactive.Singleton(rootAddr, 1)}
	pc := recvPropChange(t, ch)
	require.Equal(t, 10, pc.Value) // y is still its stale 0
}

// TestAtomicMultiRootWriteNeverGlitches exercises spec.md §8 scenario
// 3: a glitch-free Drv over two independent roots must never publish
// an intermediate value reflecting only one side of a transaction that
// wrote both roots atomically. p and q share no basis key, so the
// basis-compatibility check alone would let the batch through as soon
// as either side arrived; batchComplete must withhold the commit until
// both entries carry the same producing transaction.
func TestAtomicMultiRootWriteNeverGlitches(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	p := newFakeInput(t, router, "p", 1, reactive.Singleton(reactive.Addr("svc", "p"), 0))
	q := newFakeInput(t, router, "q", 1, reactive.Singleton(reactive.Addr("svc", "q"), 0))

	drvActor := router.CreateActor("sum")
	drv := NewDrv(drvActor, reactive.Addr("svc", "sum"), []string{"p", "q"}, sumEvaluator(),
		[]InputSpec{{Name: "p", Target: p.actor.Address}, {Name: "q", Target: q.actor.Address}}, true, zerolog.Nop())
	go drv.Run()

	observer, ch := drvOutputs(t, router, drvActor.Address)
	defer router.FreeActor(observer.Address)

	id := txn.New(actorsys.NewAddress("driver"))
	tx := txn.Tx{ID: id, Writes: []reactive.ReactiveAddress{p.addr, q.addr}}

	p.send <- PropChange{From: p.addr, Value: 2, Basis: reactive.Singleton(p.addr, 1), Preds: []txn.Tx{tx}}

	select {
	case pc := <-ch:
		t.Fatalf("expected no commit while q still reflects the pre-transaction value, got %#v", pc)
	case <-time.After(150 * time.Millisecond):
	}

	q.send <- PropChange{From: q.addr, Value: 2, Basis: reactive.Singleton(q.addr, 1), Preds: []txn.Tx{tx}}
	pc := recvPropChange(t, ch)
	require.Equal(t, 4, pc.Value)
}
