package coordinator

import (
	"fmt"
	"sort"

	"hig-runtime/actorsys"
	"hig-runtime/reactive"
)

// Kind distinguishes a Src declaration from a Drv declaration.
type Kind int

const (
	SrcKind Kind = iota
	DrvKind
)

// InputRef names one free variable of a Drv's expression and the cell
// it resolves against. An empty Service means "this service"; a
// non-empty Service names a remote cell, resolved through the Svc's
// Resolver (see package remote) rather than the local registry.
type InputRef struct {
	Name    string
	Service string
	Cell    string
}

// Decl is the declaration contract the external parser/loader supplies
// for one cell (spec.md §6: "declarations... supplied by parser, not
// specified here"). The runtime core only needs this much of it.
type Decl struct {
	Name       string
	Kind       Kind
	Initial    any // Src only
	Expr       any // Drv only; opaque to this package, passed to eval.Evaluator
	Inputs     []InputRef
	GlitchFree bool
}

// Resolver resolves a cell address to the actor mailbox handle that
// owns it. A Registry is a Resolver for its own service; cross-service
// lookups go through a Resolver implementation backed by the remote
// package's transport.
type Resolver interface {
	Resolve(reactive.ReactiveAddress) (actorsys.Address, bool)
}

type registryEntry struct {
	reactiveAddr reactive.ReactiveAddress
	actorAddr    actorsys.Address
	kind         Kind
}

// Registry is the per-service cell directory (spec.md §3: "The Svc
// actor owns... the cell-address registry"). It is built once at
// service startup and never mutated afterward — cells live for the
// process lifetime (spec.md §3 Lifecycle).
type Registry struct {
	service string
	byName  map[string]registryEntry
}

func NewRegistry(service string) *Registry {
	return &Registry{service: service, byName: map[string]registryEntry{}}
}

func (r *Registry) register(name string, actorAddr actorsys.Address, kind Kind) reactive.ReactiveAddress {
	addr := reactive.Addr(r.service, name)
	r.byName[name] = registryEntry{reactiveAddr: addr, actorAddr: actorAddr, kind: kind}
	return addr
}

// Resolve implements Resolver for cells owned by this service.
func (r *Registry) Resolve(addr reactive.ReactiveAddress) (actorsys.Address, bool) {
	if addr.Service != r.service {
		return actorsys.Address{}, false
	}
	e, ok := r.byName[addr.Cell]
	if !ok {
		return actorsys.Address{}, false
	}
	return e.actorAddr, true
}

func (r *Registry) lookupByName(name string) (registryEntry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// ValidateAcyclic rejects a declaration set containing a cycle among
// local Drv dependencies (spec.md §9: "Cycles in the dependency graph
// ... rejected at service-init time. No runtime detection is
// required."). Remote inputs are necessarily acyclic from this
// service's point of view alone — cross-service cycle detection would
// require a global view the coordinator does not have, so (per
// SPEC_FULL.md D.5) only the local subgraph is checked here.
func ValidateAcyclic(decls []Decl) error {
	byName := make(map[string]Decl, len(decls))
	for _, d := range decls {
		byName[d.Name] = d
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(decls))

	names := make([]string, 0, len(decls))
	for _, d := range decls {
		names = append(names, d.Name)
	}
	sort.Strings(names)

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v -> %s", ErrCyclicDependency, path, name)
		}
		state[name] = visiting
		defer func() { state[name] = done }()

		d, ok := byName[name]
		if !ok || d.Kind != DrvKind {
			return nil
		}
		for _, in := range d.Inputs {
			if in.Service != "" {
				continue
			}
			if err := visit(in.Cell, append(path, name)); err != nil {
				return err
			}
		}
		return nil
	}

	for _, name := range names {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
