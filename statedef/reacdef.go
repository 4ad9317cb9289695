package statedef

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/model"
)

// Reacdef is a compiled reaction rule. Stoichiometry vectors are sized to the
// global species count; the dependency vector marks every species whose count
// change requires this rule's propensity to be recomputed.
type Reacdef struct {
	sd   *Statedef
	name string
	gidx int
	kcst float64

	lhs []int // reactant stoichiometry per global species index
	rhs []int // product stoichiometry per global species index
	upd []int // rhs - lhs, applied to pools when the rule fires

	order int
	dep   []Dep

	setupDone bool
}

func newReacdef(sd *Statedef, r model.Reaction) (*Reacdef, error) {
	if r.Kcst < 0 {
		return nil, fmt.Errorf("reaction %q: %w", r.ID, ErrNegativeRate)
	}
	nspecs := sd.CountSpecs()
	rd := &Reacdef{
		sd:   sd,
		name: r.ID,
		kcst: r.Kcst,
		lhs:  make([]int, nspecs),
		rhs:  make([]int, nspecs),
		upd:  make([]int, nspecs),
		dep:  make([]Dep, nspecs),
	}
	for _, id := range r.LHS {
		g, err := sd.SpecIdx(id)
		if err != nil {
			return nil, fmt.Errorf("reaction %q lhs: %w", r.ID, err)
		}
		rd.lhs[g]++
		rd.order++
	}
	for _, id := range r.RHS {
		g, err := sd.SpecIdx(id)
		if err != nil {
			return nil, fmt.Errorf("reaction %q rhs: %w", r.ID, err)
		}
		rd.rhs[g]++
	}
	return rd, nil
}

// setup marks DepStoich for every species this reaction reads or writes.
// Exactly-once guarded.
func (rd *Reacdef) setup() error {
	if rd.setupDone {
		return fmt.Errorf("reaction %q: %w", rd.name, ErrDoubleSetup)
	}
	for g := range rd.dep {
		rd.upd[g] = rd.rhs[g] - rd.lhs[g]
		if rd.lhs[g] != 0 || rd.upd[g] != 0 {
			rd.dep[g] = DepStoich
		}
	}
	rd.setupDone = true
	return nil
}

func (rd *Reacdef) Name() string { return rd.name }
func (rd *Reacdef) GIdx() int    { return rd.gidx }

// Order is the number of reactant molecules consumed per firing.
func (rd *Reacdef) Order() int { return rd.order }

// Kcst returns the reaction rate constant.
func (rd *Reacdef) Kcst() (float64, error) {
	if !rd.setupDone {
		return 0, fmt.Errorf("reaction %q kcst: %w", rd.name, ErrNotSetup)
	}
	return rd.kcst, nil
}

// SetKcst changes the rate constant mid-simulation. Callers must recompute
// the rule's propensity in every element afterwards.
func (rd *Reacdef) SetKcst(k float64) error {
	if k < 0 {
		return fmt.Errorf("reaction %q: %w", rd.name, ErrNegativeRate)
	}
	rd.kcst = k
	return nil
}

// Dep returns the dependency flag for the species at global index gidx.
func (rd *Reacdef) Dep(gidx int) (Dep, error) {
	if !rd.setupDone {
		return DepNone, fmt.Errorf("reaction %q dep: %w", rd.name, ErrNotSetup)
	}
	if gidx < 0 || gidx >= len(rd.dep) {
		return DepNone, fmt.Errorf("species index %d: %w", gidx, ErrIndexOutOfRange)
	}
	return rd.dep[gidx], nil
}

// RequiresSpec reports whether a count change of the species invalidates this
// rule's propensity.
func (rd *Reacdef) RequiresSpec(gidx int) (bool, error) {
	d, err := rd.Dep(gidx)
	if err != nil {
		return false, err
	}
	return d != DepNone, nil
}

// LHS returns the reactant stoichiometry for the species at gidx.
func (rd *Reacdef) LHS(gidx int) int { return rd.lhs[gidx] }

// Upd returns the net pool change for the species at gidx when the rule
// fires.
func (rd *Reacdef) Upd(gidx int) int { return rd.upd[gidx] }
