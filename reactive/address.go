// Package reactive defines the value types shared by every actor in the
// runtime: cell addresses, iterations, and basis stamps. Nothing in
// this package sends a message or owns mutable state; it exists so that
// cell, coordinator, and remote can agree on a common vocabulary.
package reactive

import "fmt"

// ReactiveAddress globally identifies a cell: a (service, cell) pair.
// Within a service each cell name is unique; across services the pair
// disambiguates.
type ReactiveAddress struct {
	Service string
	Cell    string
}

func Addr(service, cell string) ReactiveAddress {
	return ReactiveAddress{Service: service, Cell: cell}
}

func (a ReactiveAddress) String() string {
	return fmt.Sprintf("%s/%s", a.Service, a.Cell)
}

// Less gives ReactiveAddress a total order: by service, then by cell
// name. Lock acquisition does not use it: coordinator.Svc sends a
// transaction's LockRequests in parallel, in no particular order.
func (a ReactiveAddress) Less(b ReactiveAddress) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	return a.Cell < b.Cell
}

// Iteration is a source cell's monotonic write counter. Zero means
// "unobserved initial value"; the first committed write moves it to 1.
type Iteration uint64
