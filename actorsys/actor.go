// Package actorsys is the actor substrate every cell and coordinator in
// the runtime runs on: addresses, mailboxes, and a router that connects
// an actor's outbox to its peers' inboxes. It generalizes the teacher
// runtime's higact package: same address/inbox/outbox shape, but the
// router is an interface (LocalRouter is the in-process implementation;
// package remote reaches cross-service cells through proxy actors created
// on it) and every delivery is logged.
package actorsys

import "fmt"

// Address is an opaque actor handle. It is distinct from
// reactive.ReactiveAddress: a ReactiveAddress names a cell at the
// language level (service, cell name); an Address is the mailbox handle
// the router uses to deliver to it. The coordinator's cell registry
// maps one to the other.
type Address struct {
	value string
}

func (a Address) String() string { return a.value }

// Less gives Address a total order, used only for deterministic test
// output and as a tiebreaker in TxnId comparison.
func (a Address) Less(b Address) bool { return a.value < b.value }

// Zero reports whether this is the unset address.
func (a Address) Zero() bool { return a.value == "" }

// GobEncode and GobDecode carry the unexported value across package
// remote's encoding/gob codec, which rejects a struct with no exported
// fields.
func (a Address) GobEncode() ([]byte, error) { return []byte(a.value), nil }

func (a *Address) GobDecode(b []byte) error {
	a.value = string(b)
	return nil
}

func NewAddress(value string) Address { return Address{value: value} }

// InboundMessage is what an actor reads from its Inbox: a payload plus
// the address of whoever sent it (needed to reply).
type InboundMessage struct {
	Sender Address
	Data   any
}

// OutboundMessage is what an actor writes to its Outbox: a payload plus
// the address it should be delivered to.
type OutboundMessage struct {
	Target Address
	Data   any
}

func (m OutboundMessage) String() string {
	return fmt.Sprintf("-> %v: %T", m.Target, m.Data)
}

// Inbox and Outbox are directional views of an actor's channels. An
// actor only ever reads its Inbox and writes its Outbox: cross-actor
// state access never happens by any other path (spec.md §5).
type Inbox <-chan InboundMessage
type Outbox chan<- OutboundMessage

// Actor is the handle a cell or coordinator embeds to participate in
// the actor system: its own address, and the two channel ends it may
// touch.
type Actor struct {
	Address
	Inbox
	Outbox
}
