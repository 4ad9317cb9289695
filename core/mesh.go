package core

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/statedef"
)

// Mesh is the collection of elements owned by this process, in insertion
// order, plus the runtime compartments aggregating them. Elements reference
// each other by index; the adjacency graph is cyclic and holds no owning
// pointers.
type Mesh struct {
	sd       *statedef.Statedef
	elems    []*Element
	byGlobal map[int]*Element
	comps    []*Comp
}

// NewMesh constructs an empty mesh over the compiled statedef, with one
// runtime compartment per compartment definition.
func NewMesh(sd *statedef.Statedef) *Mesh {
	m := &Mesh{sd: sd, byGlobal: make(map[int]*Element)}
	for _, cdef := range sd.Comps() {
		m.comps = append(m.comps, newComp(cdef))
	}
	return m
}

// AddElement registers an element with the given global index, compartment
// definition, and volume. Elements keep their insertion order; that order is
// the documented element ordering for all cumulative searches.
func (m *Mesh) AddElement(global int, cdef *statedef.Compdef, vol float64) (*Element, error) {
	if cdef == nil {
		return nil, fmt.Errorf("element %d: %w", global, ErrNilCompdef)
	}
	if vol <= 0 {
		return nil, fmt.Errorf("element %d volume %g: %w", global, vol, ErrBadVolume)
	}
	if _, dup := m.byGlobal[global]; dup {
		return nil, fmt.Errorf("element %d: %w", global, ErrDuplicateElement)
	}
	e := &Element{
		idx:    len(m.elems),
		global: global,
		cdef:   cdef,
		vol:    vol,
		pools:  make([]uint64, cdef.CountSpecs()),
	}
	for f := range e.neighbors {
		e.neighbors[f].Elem = -1
	}
	m.elems = append(m.elems, e)
	m.byGlobal[global] = e
	if err := m.comps[cdef.CIdx()].addElement(e); err != nil {
		return nil, err
	}
	return e, nil
}

// LinkNeighbors establishes the bidirectional adjacency between two local
// elements across the given face of a. The reciprocal link lands on b's
// first free face. Existing links are never overwritten.
func (m *Mesh) LinkNeighbors(a, face, b int, area, dist float64) error {
	ea, err := m.Element(a)
	if err != nil {
		return err
	}
	eb, err := m.Element(b)
	if err != nil {
		return err
	}
	if face < 0 || face >= NumFaces {
		return fmt.Errorf("face %d: %w", face, ErrIndexOutOfRange)
	}
	if area <= 0 || dist <= 0 {
		return fmt.Errorf("link %d-%d area %g dist %g: %w", a, b, area, dist, ErrDegenerateGeometry)
	}
	if ea.neighbors[face].Linked() {
		return fmt.Errorf("element %d face %d: %w", a, face, ErrConflictingLink)
	}
	back := -1
	for f := range eb.neighbors {
		if !eb.neighbors[f].Linked() {
			back = f
			break
		}
	}
	if back < 0 {
		return fmt.Errorf("element %d has no free face: %w", b, ErrConflictingLink)
	}
	ea.neighbors[face] = Neighbor{Elem: eb.idx, Area: area, Dist: dist, diffScale: area / (dist * ea.vol)}
	eb.neighbors[back] = Neighbor{Elem: ea.idx, Area: area, Dist: dist, diffScale: area / (dist * eb.vol)}
	return nil
}

// LinkRemote records a one-sided adjacency whose destination element lives on
// another process. The owning rank applies the reciprocal link for its side.
func (m *Mesh) LinkRemote(a, face, rank, remoteElem int, area, dist float64) error {
	ea, err := m.Element(a)
	if err != nil {
		return err
	}
	if face < 0 || face >= NumFaces {
		return fmt.Errorf("face %d: %w", face, ErrIndexOutOfRange)
	}
	if area <= 0 || dist <= 0 {
		return fmt.Errorf("remote link %d-%d area %g dist %g: %w", a, remoteElem, area, dist, ErrDegenerateGeometry)
	}
	if ea.neighbors[face].Linked() {
		return fmt.Errorf("element %d face %d: %w", a, face, ErrConflictingLink)
	}
	ea.neighbors[face] = Neighbor{
		Elem:       -1,
		Remote:     true,
		Rank:       rank,
		RemoteElem: remoteElem,
		Area:       area,
		Dist:       dist,
		diffScale:  area / (dist * ea.vol),
	}
	return nil
}

// CountElements returns the number of locally owned elements.
func (m *Mesh) CountElements() int { return len(m.elems) }

// Element returns the element at local index idx.
func (m *Mesh) Element(idx int) (*Element, error) {
	if idx < 0 || idx >= len(m.elems) {
		return nil, fmt.Errorf("element index %d: %w", idx, ErrIndexOutOfRange)
	}
	return m.elems[idx], nil
}

// ElementByGlobal returns the locally owned element with the given global
// index, or ErrUnknownElement when another rank owns it.
func (m *Mesh) ElementByGlobal(global int) (*Element, error) {
	e, ok := m.byGlobal[global]
	if !ok {
		return nil, fmt.Errorf("global element %d: %w", global, ErrUnknownElement)
	}
	return e, nil
}

// Elements returns the element collection in insertion order. Callers must
// treat the slice as read-only.
func (m *Mesh) Elements() []*Element { return m.elems }

// Comp returns the runtime compartment for the given compartment definition
// index.
func (m *Mesh) Comp(cidx int) (*Comp, error) {
	if cidx < 0 || cidx >= len(m.comps) {
		return nil, fmt.Errorf("compartment index %d: %w", cidx, ErrIndexOutOfRange)
	}
	return m.comps[cidx], nil
}

// Reset zeroes every pool count. Derived propensities must be recomputed by
// the engine afterwards; Reset is distinct from teardown.
func (m *Mesh) Reset() {
	for _, e := range m.elems {
		for i := range e.pools {
			e.pools[i] = 0
		}
	}
}
