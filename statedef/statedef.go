// Package statedef compiles a user-declared reaction/diffusion model into
// indexed, dependency-annotated definitions. Rules and species are resolved
// to dense integer indices once, at compile time, so the simulation hot loop
// works with array lookups instead of name lookups.
package statedef

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/model"
)

// Dep marks whether a change in a species' count requires a rule's propensity
// to be recomputed.
type Dep int

const (
	DepNone Dep = iota
	DepStoich
)

// Specdef is a compiled species: a name and its global index.
type Specdef struct {
	name string
	gidx int
}

func (s *Specdef) Name() string { return s.name }
func (s *Specdef) GIdx() int    { return s.gidx }

// Statedef is the compiled model: every species, compartment, and rule with
// its global index assigned in declaration order.
type Statedef struct {
	specs     []*Specdef
	specIdx   map[string]int
	comps     []*Compdef
	compIdx   map[string]int
	rules     []RuleEntry // indexed by global rule index
	setupDone bool
}

// Compile resolves all species references in m and builds the indexed
// definition tables. It fails with ErrUnknownSpecies when a reaction or
// diffusion names a species that was never declared.
func Compile(m *model.Model) (*Statedef, error) {
	sd := &Statedef{
		specIdx: make(map[string]int),
		compIdx: make(map[string]int),
	}

	for _, sp := range m.Species {
		if _, dup := sd.specIdx[sp.ID]; dup {
			return nil, fmt.Errorf("species %q: %w", sp.ID, ErrDuplicateID)
		}
		def := &Specdef{name: sp.ID, gidx: len(sd.specs)}
		sd.specIdx[sp.ID] = def.gidx
		sd.specs = append(sd.specs, def)
	}

	for _, c := range m.Compartments {
		if _, dup := sd.compIdx[c.ID]; dup {
			return nil, fmt.Errorf("compartment %q: %w", c.ID, ErrDuplicateID)
		}
		cdef, err := newCompdef(sd, len(sd.comps), c)
		if err != nil {
			return nil, err
		}
		sd.compIdx[c.ID] = cdef.cidx
		sd.comps = append(sd.comps, cdef)
	}
	return sd, nil
}

// Setup performs the one-time dependency compilation of every rule in every
// compartment. It must be called exactly once before any dependency or rate
// query anywhere in the statedef.
func (sd *Statedef) Setup() error {
	if sd.setupDone {
		return ErrDoubleSetup
	}
	for _, c := range sd.comps {
		if err := c.setup(); err != nil {
			return err
		}
	}
	sd.setupDone = true
	return nil
}

// SetupDone reports whether Setup has completed.
func (sd *Statedef) SetupDone() bool { return sd.setupDone }

// CountSpecs returns the global species count.
func (sd *Statedef) CountSpecs() int { return len(sd.specs) }

// CountComps returns the compartment count.
func (sd *Statedef) CountComps() int { return len(sd.comps) }

// CountRules returns the global rule count (reactions plus diffusions,
// summed over compartments).
func (sd *Statedef) CountRules() int { return len(sd.rules) }

// Spec returns the species definition at global index gidx.
func (sd *Statedef) Spec(gidx int) (*Specdef, error) {
	if gidx < 0 || gidx >= len(sd.specs) {
		return nil, fmt.Errorf("species index %d: %w", gidx, ErrIndexOutOfRange)
	}
	return sd.specs[gidx], nil
}

// SpecIdx resolves a species ID to its global index.
func (sd *Statedef) SpecIdx(id string) (int, error) {
	gidx, ok := sd.specIdx[id]
	if !ok {
		return 0, fmt.Errorf("species %q: %w", id, ErrUnknownSpecies)
	}
	return gidx, nil
}

// Comp returns the compartment definition at index cidx.
func (sd *Statedef) Comp(cidx int) (*Compdef, error) {
	if cidx < 0 || cidx >= len(sd.comps) {
		return nil, fmt.Errorf("compartment index %d: %w", cidx, ErrIndexOutOfRange)
	}
	return sd.comps[cidx], nil
}

// CompIdx resolves a compartment ID to its index.
func (sd *Statedef) CompIdx(id string) (int, error) {
	cidx, ok := sd.compIdx[id]
	if !ok {
		return 0, fmt.Errorf("compartment %q: %w", id, ErrUnknownCompartment)
	}
	return cidx, nil
}

// Comps returns all compartment definitions in index order.
func (sd *Statedef) Comps() []*Compdef { return sd.comps }

// registerRule hands out global rule indices during compilation and records
// the entry for global-index lookups.
func (sd *Statedef) registerRule(entry RuleEntry) int {
	idx := len(sd.rules)
	sd.rules = append(sd.rules, entry)
	return idx
}
