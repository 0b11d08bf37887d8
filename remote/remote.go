// Package remote implements the opaque cross-service transport spec.md
// §9 allows for ("Remote cells... transport is opaque") using
// github.com/creachadair/chirp, the RPC framework the chirp example in
// this pack provides. A remote ReactiveAddress is represented locally
// by a Proxy actor: from the rest of the runtime's point of view it is
// just another actorsys.Address with an inbox, so cell and coordinator
// code never needs to know a given message is about to cross a
// process boundary. The proxy forwards whatever it receives as a
// single chirp method call, encoded with encoding/gob (chirp calls
// carry opaque []byte payloads; gob is the standard-library codec and
// needs no schema beyond registering the concrete message types below,
// so no extra third-party serialization dependency is pulled in for
// this — see DESIGN.md).
package remote

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"hig-runtime/actorsys"
	"hig-runtime/cell"
	"hig-runtime/reactive"

	"github.com/creachadair/chirp"
)

// MethodID is the single chirp method this package registers; the cell
// name being addressed travels inside the envelope rather than as part
// of the method dispatch, since chirp methods are a small fixed space
// (uint32) and a whole service's cell set is not.
const MethodID = 0x68_69_67_01 // "hig" + version tag, arbitrary but stable

func init() {
	gob.Register(cell.LockRequest{})
	gob.Register(cell.LockGranted{})
	gob.Register(cell.LockDenied{})
	gob.Register(cell.LockRelease{})
	gob.Register(cell.ReadRequest{})
	gob.Register(cell.ReadFinish{})
	gob.Register(cell.WriteRequest{})
	gob.Register(cell.WriteFinish{})
	gob.Register(cell.PropChange{})
	gob.Register(cell.Subscribe{})
	gob.Register(cell.Unsubscribe{})
	gob.Register(cell.SubscriptionGranted{})
	gob.Register(cell.TestRequestPred{})
	gob.Register(cell.TestRequestPredGranted{})
}

// envelope is what actually crosses the wire: the target cell name
// (addressed within the remote service, which the Peer connection is
// already scoped to) plus the protocol message.
type envelope struct {
	Cell string
	Data any
}

func encode(e envelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (envelope, error) {
	var e envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return envelope{}, err
	}
	return e, nil
}

// Dialer resolves a remote service name to a connected chirp.Peer. A
// real deployment backs this with a TCP or Unix dial; tests back it
// with channel.Direct pairs (see creachadair/chirp/channel).
type Dialer interface {
	Dial(service string) (*chirp.Peer, error)
}

// Registry is a Resolver that lazily creates one Proxy actor per
// remote cell address the first time it's referenced, and reuses it
// afterward.
type Registry struct {
	router actorsys.Router
	dialer Dialer
	peers  map[string]*chirp.Peer
	proxy  map[reactive.ReactiveAddress]actorsys.Address
}

func NewRegistry(router actorsys.Router, dialer Dialer) *Registry {
	return &Registry{
		router: router,
		dialer: dialer,
		peers:  map[string]*chirp.Peer{},
		proxy:  map[reactive.ReactiveAddress]actorsys.Address{},
	}
}

// Resolve implements coordinator.Resolver.
func (r *Registry) Resolve(addr reactive.ReactiveAddress) (actorsys.Address, bool) {
	if a, ok := r.proxy[addr]; ok {
		return a, true
	}

	peer, ok := r.peers[addr.Service]
	if !ok {
		p, err := r.dialer.Dial(addr.Service)
		if err != nil {
			return actorsys.Address{}, false
		}
		peer = p
		r.peers[addr.Service] = peer
	}

	actor := r.router.CreateActor("proxy/" + addr.String())
	proxy := &Proxy{Actor: actor, peer: peer, cell: addr.Cell}
	go proxy.Run()

	r.proxy[addr] = actor.Address
	return actor.Address, true
}

// Proxy stands in locally for a remote cell: every message sent to its
// address is forwarded as one chirp.Peer.Call, and the decoded
// response is relayed back to the original sender.
type Proxy struct {
	actorsys.Actor
	peer *chirp.Peer
	cell string
}

func (p *Proxy) Run() {
	for msg := range p.Inbox {
		payload, err := encode(envelope{Cell: p.cell, Data: msg.Data})
		if err != nil {
			continue
		}

		rsp, err := p.peer.Call(context.Background(), MethodID, payload)
		if err != nil {
			continue
		}

		reply, err := decode(rsp.Data)
		if err != nil {
			continue
		}

		p.Outbox <- actorsys.OutboundMessage{Target: msg.Sender, Data: reply.Data}
	}
}

// Server answers remote proxies' calls by forwarding into the local
// actor system and waiting for exactly one reply, then shipping it
// back over the wire. Install with peer.Handle(MethodID, srv.Handle).
type Server struct {
	router  actorsys.Router
	resolve func(cellName string) (actorsys.Address, bool)
}

func NewServer(router actorsys.Router, resolve func(cellName string) (actorsys.Address, bool)) *Server {
	return &Server{router: router, resolve: resolve}
}

func (s *Server) Handle(ctx context.Context, req *chirp.Request) ([]byte, error) {
	e, err := decode(req.Data)
	if err != nil {
		return nil, err
	}

	target, ok := s.resolve(e.Cell)
	if !ok {
		return nil, fmt.Errorf("remote: unknown cell %q", e.Cell)
	}

	bridge := s.router.CreateActor("remote-bridge")
	defer s.router.FreeActor(bridge.Address)

	bridge.Outbox <- actorsys.OutboundMessage{Target: target, Data: e.Data}
	reply := <-bridge.Inbox

	return encode(envelope{Cell: e.Cell, Data: reply.Data})
}
