package memory

import "github.com/normanking/cortex-reflex/internal/reflex"

// inlineCandidates is how many ids a sector holds before spilling to the heap.
// Distinct reflexes rarely share a sector, so one or two is the common case.
const inlineCandidates = 4

// Candidates is the ordered set of reflex ids stored under one sector. It is a
// value type: copying it never allocates, and the overflow slice is never
// written after it has been published.
type Candidates struct {
	n        int
	inline   [inlineCandidates]reflex.ID
	overflow []reflex.ID
}

// Len returns the number of ids.
func (c Candidates) Len() int { return c.n }

// At returns the i-th id in insertion order.
func (c Candidates) At(i int) reflex.ID {
	if i < inlineCandidates {
		return c.inline[i]
	}
	return c.overflow[i-inlineCandidates]
}

// Contains reports whether id is present.
func (c Candidates) Contains(id reflex.ID) bool {
	for i := 0; i < c.n; i++ {
		if c.At(i) == id {
			return true
		}
	}
	return false
}

// IDs returns the ids as a new slice.
func (c Candidates) IDs() []reflex.ID {
	out := make([]reflex.ID, c.n)
	for i := range out {
		out[i] = c.At(i)
	}
	return out
}

// with returns a copy of c with id appended. The overflow slice is copied so
// that readers holding the previous value are unaffected.
func (c Candidates) with(id reflex.ID) Candidates {
	if c.n < inlineCandidates {
		c.inline[c.n] = id
		c.n++
		return c
	}
	grown := make([]reflex.ID, len(c.overflow), len(c.overflow)+1)
	copy(grown, c.overflow)
	c.overflow = append(grown, id)
	c.n++
	return c
}

// without returns a copy of c with id removed, preserving order.
func (c Candidates) without(id reflex.ID) Candidates {
	var out Candidates
	for i := 0; i < c.n; i++ {
		if v := c.At(i); v != id {
			out = out.with(v)
		}
	}
	return out
}
