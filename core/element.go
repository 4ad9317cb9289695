package core

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/statedef"
)

// NumFaces is the number of faces of a tetrahedral element.
const NumFaces = 4

// Neighbor is one face's adjacency record. Local neighbors are referenced by
// element index, never by owning pointer; the mesh graph is cyclic. A remote
// neighbor carries the owning rank and the element's global index there.
type Neighbor struct {
	Elem       int // local element index, -1 when unset or remote
	Remote     bool
	Rank       int
	RemoteElem int // global element index on the owning rank

	Area float64
	Dist float64

	// diffScale is Area/(Dist*Vol) of the source element, precomputed at
	// link time. A diffusion rule's per-face rate is Dcst*diffScale.
	diffScale float64
}

// Linked reports whether the face has a neighbor, local or remote.
func (n *Neighbor) Linked() bool { return n.Elem >= 0 || n.Remote }

// Element is one tetrahedral volume cell (or well-mixed volume). It owns its
// pool counts, indexed by the compartment definition's local species index.
type Element struct {
	idx    int // index in the owning mesh, insertion order
	global int // mesh-document index, stable across partitions
	cdef   *statedef.Compdef
	vol    float64

	pools     []uint64
	neighbors [NumFaces]Neighbor
}

func (e *Element) Idx() int               { return e.idx }
func (e *Element) Global() int            { return e.global }
func (e *Element) Def() *statedef.Compdef { return e.cdef }
func (e *Element) Vol() float64           { return e.vol }
func (e *Element) Neighbor(face int) *Neighbor {
	return &e.neighbors[face]
}

// PoolCount returns the count of the species at local index lidx.
func (e *Element) PoolCount(lidx int) (uint64, error) {
	if lidx < 0 || lidx >= len(e.pools) {
		return 0, fmt.Errorf("element %d species %d: %w", e.global, lidx, ErrIndexOutOfRange)
	}
	return e.pools[lidx], nil
}

// SetPoolCount sets the count of the species at local index lidx.
func (e *Element) SetPoolCount(lidx int, n uint64) error {
	if lidx < 0 || lidx >= len(e.pools) {
		return fmt.Errorf("element %d species %d: %w", e.global, lidx, ErrIndexOutOfRange)
	}
	e.pools[lidx] = n
	return nil
}

// applyDelta mutates a pool count without bounds checking; callers inside the
// engine have already validated the index. A debit below zero clamps at zero,
// which can only happen through an external SetPoolCount racing the event
// loop and is treated as zero rather than wrapping.
func (e *Element) applyDelta(lidx, delta int) {
	if delta >= 0 {
		e.pools[lidx] += uint64(delta)
		return
	}
	d := uint64(-delta)
	if e.pools[lidx] < d {
		e.pools[lidx] = 0
		return
	}
	e.pools[lidx] -= d
}
