package reactive

// BasisStamp maps a source-cell address to the iteration it was observed
// at. Keys are always Src-cell addresses; derived cells never appear
// here (spec.md §3). The zero value is the empty stamp, which is the
// merge identity.
type BasisStamp map[ReactiveAddress]Iteration

// Empty returns a fresh empty stamp.
func Empty() BasisStamp {
	return BasisStamp{}
}

// Singleton returns the one-entry stamp produced by a Src write.
func Singleton(addr ReactiveAddress, it Iteration) BasisStamp {
	return BasisStamp{addr: it}
}

// Clone returns an independent copy so callers can mutate the result of
// a merge without aliasing a cell's current_basis.
func (b BasisStamp) Clone() BasisStamp {
	out := make(BasisStamp, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Compatible reports whether a and b agree on the iteration of every key
// they share. This is stricter than Le; it's the condition the
// glitch-free merge algorithm uses to decide whether a set of inputs may
// be combined into one output.
func (b BasisStamp) Compatible(other BasisStamp) bool {
	for k, v := range b {
		if ov, ok := other[k]; ok && ov != v {
			return false
		}
	}
	return true
}

// Merge takes the entrywise maximum of two compatible stamps. Merge is
// commutative, associative, and idempotent; Empty is its identity.
// Merging incompatible stamps is a programmer error in a correctly
// functioning system (it would mean a derived cell tried to combine two
// disagreeing views of the same root) and panics rather than silently
// picking a winner.
func Merge(a, b BasisStamp) BasisStamp {
	out := make(BasisStamp, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		if existing, ok := out[k]; ok && existing != v {
			panic("reactive: Merge called on incompatible basis stamps")
		}
		out[k] = v
	}
	return out
}

// MergeAll merges a slice of stamps left to right.
func MergeAll(stamps ...BasisStamp) BasisStamp {
	out := Empty()
	for _, s := range stamps {
		out = Merge(out, s)
	}
	return out
}

// Le reports whether a <= b in the basis partial order: every key in a
// is present in b with an iteration no greater.
func (b BasisStamp) Le(other BasisStamp) bool {
	for k, v := range b {
		ov, ok := other[k]
		if !ok || v > ov {
			return false
		}
	}
	return true
}

// Equal reports whether a and b have exactly the same entries.
func (b BasisStamp) Equal(other BasisStamp) bool {
	if len(b) != len(other) {
		return false
	}
	for k, v := range b {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// StrictlyAdvances reports whether next strictly advances over prev:
// next >= prev under Le, next covers strictly more keys or has a
// strictly larger iteration at some shared key, and next != prev.
func StrictlyAdvances(prev, next BasisStamp) bool {
	if prev.Equal(next) {
		return false
	}
	return prev.Le(next)
}
