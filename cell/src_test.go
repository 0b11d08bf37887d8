package cell

import (
	"testing"
	"time"

	"hig-runtime/actorsys"
	"hig-runtime/reactive"
	"hig-runtime/txn"

	"github.com/fortytw2/leaktest"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestSrc(t *testing.T, router actorsys.Router, name string, initial any) (*Src, actorsys.Address) {
	t.Helper()
	actor := router.CreateActor(name)
	addr := reactive.Addr("svc", name)
	src := NewSrc(actor, addr, initial, zerolog.Nop())
	go src.Run()
	return src, actor.Address
}

func recv(t *testing.T, inbox actorsys.Inbox) actorsys.InboundMessage {
	t.Helper()
	select {
	case msg := <-inbox:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		panic("unreachable")
	}
}

// TestBasicReadWrite exercises spec.md §8's "Basic" scenario: a driver
// takes a write lock, writes, releases, and the new value is published.
func TestBasicReadWrite(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	_, srcAddr := newTestSrc(t, router, "a", 0)

	driver := router.CreateActor("driver")
	defer router.FreeActor(driver.Address)

	id := txn.New(driver.Address)
	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: id, Mode: Write}}
	require.IsType(t, LockGranted{}, recv(t, driver.Inbox).Data)

	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: WriteRequest{
		Txn: id, Value: 7, Writes: []reactive.ReactiveAddress{reactive.Addr("svc", "a")},
	}}
	require.IsType(t, WriteFinish{}, recv(t, driver.Inbox).Data)

	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRelease{Txn: id}}

	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: Subscribe{}}
	granted := recv(t, driver.Inbox).Data.(SubscriptionGranted)
	require.Equal(t, 7, granted.Value)
}

// TestWaitDieYoungerDenied exercises spec.md §8's "Wait-die" scenario:
// a younger write request conflicting with an older transaction's held
// write lock is denied immediately, never enqueued.
func TestWaitDieYoungerDenied(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	_, srcAddr := newTestSrc(t, router, "a", 0)

	older := router.CreateActor("older")
	younger := router.CreateActor("younger")
	defer router.FreeActor(older.Address)
	defer router.FreeActor(younger.Address)

	oldID := txn.New(older.Address)
	older.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: oldID, Mode: Write}}
	require.IsType(t, LockGranted{}, recv(t, older.Inbox).Data)

	youngID := txn.New(younger.Address)
	require.True(t, oldID.Lt(youngID))

	younger.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: youngID, Mode: Write}}
	denied, ok := recv(t, younger.Inbox).Data.(LockDenied)
	require.True(t, ok)
	require.Equal(t, ReasonConflict, denied.Reason)

	older.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRelease{Txn: oldID}}
}

// TestWaitDieOlderWaits exercises the other half of wait-die: an older
// requester conflicting with a younger holder is queued rather than
// denied, and is granted once the younger transaction releases.
func TestWaitDieOlderWaits(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	_, srcAddr := newTestSrc(t, router, "a", 0)

	younger := router.CreateActor("younger")
	older := router.CreateActor("older")
	defer router.FreeActor(younger.Address)
	defer router.FreeActor(older.Address)

	youngID := txn.New(younger.Address)
	younger.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: youngID, Mode: Write}}
	require.IsType(t, LockGranted{}, recv(t, younger.Inbox).Data)

	oldID := txn.NewOlderThan(older.Address, youngID)
	require.True(t, oldID.Lt(youngID))

	older.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: oldID, Mode: Write}}

	select {
	case msg := <-older.Inbox:
		t.Fatalf("expected older requester to wait, got %#v", msg.Data)
	case <-time.After(100 * time.Millisecond):
	}

	younger.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRelease{Txn: youngID}}
	require.IsType(t, LockGranted{}, recv(t, older.Inbox).Data)

	older.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRelease{Txn: oldID}}
}

func TestConcurrentReadersStack(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	_, srcAddr := newTestSrc(t, router, "a", 1)

	r1 := router.CreateActor("r1")
	r2 := router.CreateActor("r2")
	defer router.FreeActor(r1.Address)
	defer router.FreeActor(r2.Address)

	id1 := txn.New(r1.Address)
	id2 := txn.New(r2.Address)

	r1.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: id1, Mode: Read}}
	r2.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: id2, Mode: Read}}

	require.IsType(t, LockGranted{}, recv(t, r1.Inbox).Data)
	require.IsType(t, LockGranted{}, recv(t, r2.Inbox).Data)
}

func TestTestRequestPredResolvesRecentCommit(t *testing.T) {
	defer leaktest.Check(t)()

	router := actorsys.NewLocalRouter()
	_, srcAddr := newTestSrc(t, router, "a", 0)

	driver := router.CreateActor("driver")
	defer router.FreeActor(driver.Address)

	id := txn.New(driver.Address)
	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRequest{Txn: id, Mode: Write}}
	recv(t, driver.Inbox)
	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: WriteRequest{Txn: id, Value: 9}}
	recv(t, driver.Inbox)
	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: LockRelease{Txn: id}}

	driver.Outbox <- actorsys.OutboundMessage{Target: srcAddr, Data: TestRequestPred{TestID: "t1", PredID: id}}
	got := recv(t, driver.Inbox).Data.(TestRequestPredGranted)
	require.True(t, got.Found)
	require.Equal(t, 9, got.Value)
}
