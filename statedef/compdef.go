package statedef

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/model"
)

// LocalUndefined marks a species that does not occur in a compartment. Local
// pool and propensity arrays are dense per compartment, so global indices
// must be translated before use.
const LocalUndefined = -1

// Compdef owns the rule definitions active in one compartment and the
// local<->global species index translation tables that keep per-element pool
// arrays dense.
//
// Local rule indices are assigned reactions first, then diffusions, each in
// declaration order.
type Compdef struct {
	sd   *Statedef
	name string
	cidx int

	reacs []*Reacdef
	diffs []*Diffdef

	specG2L []int // global -> local, LocalUndefined when absent
	specL2G []int // local -> global

	// depRules[local species] lists local rule indices whose propensity must
	// be recomputed when that species' count changes.
	depRules [][]int

	setupDone bool
}

func newCompdef(sd *Statedef, cidx int, c model.Compartment) (*Compdef, error) {
	cd := &Compdef{sd: sd, name: c.ID, cidx: cidx}
	for _, r := range c.Reactions {
		rd, err := newReacdef(sd, r)
		if err != nil {
			return nil, err
		}
		rd.gidx = sd.registerRule(RuleEntry{Comp: cd, Local: len(cd.reacs), Reac: rd})
		cd.reacs = append(cd.reacs, rd)
	}
	for _, d := range c.Diffusions {
		dd, err := newDiffdef(sd, d)
		if err != nil {
			return nil, err
		}
		dd.gidx = sd.registerRule(RuleEntry{Comp: cd, Local: len(cd.reacs) + len(cd.diffs), Diff: dd})
		cd.diffs = append(cd.diffs, dd)
	}
	return cd, nil
}

// setup resolves which species occur in this compartment, builds the
// translation tables, runs setup on every rule, and precomputes the
// species -> dependent-rules dispatch lists.
func (cd *Compdef) setup() error {
	if cd.setupDone {
		return fmt.Errorf("compartment %q: %w", cd.name, ErrDoubleSetup)
	}

	nspecs := cd.sd.CountSpecs()
	used := make([]bool, nspecs)
	for _, rd := range cd.reacs {
		for g := 0; g < nspecs; g++ {
			if rd.lhs[g] != 0 || rd.rhs[g] != 0 {
				used[g] = true
			}
		}
	}
	for _, dd := range cd.diffs {
		used[dd.lig] = true
	}

	// Local indices follow global order, so the mapping is stable across
	// runs regardless of rule declaration order.
	cd.specG2L = make([]int, nspecs)
	for g := 0; g < nspecs; g++ {
		cd.specG2L[g] = LocalUndefined
		if used[g] {
			cd.specG2L[g] = len(cd.specL2G)
			cd.specL2G = append(cd.specL2G, g)
		}
	}

	for _, rd := range cd.reacs {
		if err := rd.setup(); err != nil {
			return err
		}
	}
	for _, dd := range cd.diffs {
		if err := dd.setup(); err != nil {
			return err
		}
	}

	cd.depRules = make([][]int, len(cd.specL2G))
	for l, g := range cd.specL2G {
		for ri, rd := range cd.reacs {
			if rd.dep[g] != DepNone {
				cd.depRules[l] = append(cd.depRules[l], ri)
			}
		}
		for di, dd := range cd.diffs {
			if dd.dep[g] != DepNone {
				cd.depRules[l] = append(cd.depRules[l], len(cd.reacs)+di)
			}
		}
	}

	cd.setupDone = true
	return nil
}

func (cd *Compdef) Name() string { return cd.name }
func (cd *Compdef) CIdx() int    { return cd.cidx }

// CountSpecs returns the number of species occurring in this compartment.
func (cd *Compdef) CountSpecs() int { return len(cd.specL2G) }

// CountReacs returns the number of reaction rules.
func (cd *Compdef) CountReacs() int { return len(cd.reacs) }

// CountDiffs returns the number of diffusion rules.
func (cd *Compdef) CountDiffs() int { return len(cd.diffs) }

// CountRules returns the number of local rules (reactions then diffusions).
func (cd *Compdef) CountRules() int { return len(cd.reacs) + len(cd.diffs) }

// SpecG2L translates a global species index to this compartment's local
// index, or LocalUndefined when the species does not occur here.
func (cd *Compdef) SpecG2L(gidx int) (int, error) {
	if !cd.setupDone {
		return LocalUndefined, fmt.Errorf("compartment %q: %w", cd.name, ErrNotSetup)
	}
	if gidx < 0 || gidx >= len(cd.specG2L) {
		return LocalUndefined, fmt.Errorf("species index %d: %w", gidx, ErrIndexOutOfRange)
	}
	return cd.specG2L[gidx], nil
}

// SpecL2G translates a local species index back to the global index.
func (cd *Compdef) SpecL2G(lidx int) (int, error) {
	if !cd.setupDone {
		return 0, fmt.Errorf("compartment %q: %w", cd.name, ErrNotSetup)
	}
	if lidx < 0 || lidx >= len(cd.specL2G) {
		return 0, fmt.Errorf("local species index %d: %w", lidx, ErrIndexOutOfRange)
	}
	return cd.specL2G[lidx], nil
}

// Reac returns the reaction at local rule index ridx (0..CountReacs-1).
func (cd *Compdef) Reac(ridx int) (*Reacdef, error) {
	if ridx < 0 || ridx >= len(cd.reacs) {
		return nil, fmt.Errorf("reaction index %d: %w", ridx, ErrIndexOutOfRange)
	}
	return cd.reacs[ridx], nil
}

// Diff returns the diffusion at local diffusion index didx (0..CountDiffs-1).
func (cd *Compdef) Diff(didx int) (*Diffdef, error) {
	if didx < 0 || didx >= len(cd.diffs) {
		return nil, fmt.Errorf("diffusion index %d: %w", didx, ErrIndexOutOfRange)
	}
	return cd.diffs[didx], nil
}

// DependentRules returns the local rule indices whose propensities must be
// recomputed when the species at local index lidx changes count. The slice
// is owned by the Compdef; callers must not mutate it.
func (cd *Compdef) DependentRules(lidx int) ([]int, error) {
	if !cd.setupDone {
		return nil, fmt.Errorf("compartment %q: %w", cd.name, ErrNotSetup)
	}
	if lidx < 0 || lidx >= len(cd.depRules) {
		return nil, fmt.Errorf("local species index %d: %w", lidx, ErrIndexOutOfRange)
	}
	return cd.depRules[lidx], nil
}
