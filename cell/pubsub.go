package cell

import "hig-runtime/actorsys"

// subscriberSet is the trivial per-cell publisher side of spec.md §4.4:
// a set of subscriber addresses and a dispatch helper. There is no
// ordering guarantee across subscribers, but FIFO per (publisher,
// subscriber) falls out for free from each subscriber's inbox being a
// single Go channel.
type subscriberSet struct {
	addrs []actorsys.Address
}

func (s *subscriberSet) add(a actorsys.Address) {
	for _, existing := range s.addrs {
		if existing == a {
			return
		}
	}
	s.addrs = append(s.addrs, a)
}

func (s *subscriberSet) remove(a actorsys.Address) {
	for i, existing := range s.addrs {
		if existing == a {
			s.addrs = append(s.addrs[:i], s.addrs[i+1:]...)
			return
		}
	}
}

func (s *subscriberSet) all() []actorsys.Address {
	return s.addrs
}

// publish sends data to every subscriber via outbox. Dispatch order
// across subscribers is the slice order; no caller may depend on it.
func publish(outbox actorsys.Outbox, subs *subscriberSet, data any) {
	for _, sub := range subs.all() {
		outbox <- actorsys.OutboundMessage{Target: sub, Data: data}
	}
}
