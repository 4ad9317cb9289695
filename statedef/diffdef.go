package statedef

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/model"
)

// Diffdef is a compiled diffusion rule: one species hopping between adjacent
// mesh elements with coefficient dcst. Its propensity depends on exactly the
// diffusing species.
type Diffdef struct {
	sd   *Statedef
	name string
	gidx int
	dcst float64
	lig  int // global index of the diffusing species

	dep       []Dep
	setupDone bool
}

func newDiffdef(sd *Statedef, d model.Diffusion) (*Diffdef, error) {
	if d.Dcst < 0 {
		return nil, fmt.Errorf("diffusion %q: %w", d.ID, ErrNegativeRate)
	}
	lig, err := sd.SpecIdx(d.Species)
	if err != nil {
		return nil, fmt.Errorf("diffusion %q: %w", d.ID, err)
	}
	return &Diffdef{
		sd:   sd,
		name: d.ID,
		dcst: d.Dcst,
		lig:  lig,
		dep:  make([]Dep, sd.CountSpecs()),
	}, nil
}

// setup marks exactly the diffusing species' dependency entry.
func (dd *Diffdef) setup() error {
	if dd.setupDone {
		return fmt.Errorf("diffusion %q: %w", dd.name, ErrDoubleSetup)
	}
	dd.dep[dd.lig] = DepStoich
	dd.setupDone = true
	return nil
}

func (dd *Diffdef) Name() string { return dd.name }
func (dd *Diffdef) GIdx() int    { return dd.gidx }

// Lig returns the global index of the diffusing species.
func (dd *Diffdef) Lig() int { return dd.lig }

// Dcst returns the diffusion coefficient.
func (dd *Diffdef) Dcst() (float64, error) {
	if !dd.setupDone {
		return 0, fmt.Errorf("diffusion %q dcst: %w", dd.name, ErrNotSetup)
	}
	return dd.dcst, nil
}

// SetDcst changes the diffusion coefficient mid-simulation. Callers must
// recompute the rule's propensity in every element afterwards.
func (dd *Diffdef) SetDcst(d float64) error {
	if d < 0 {
		return fmt.Errorf("diffusion %q: %w", dd.name, ErrNegativeRate)
	}
	dd.dcst = d
	return nil
}

// Dep returns the dependency flag for the species at global index gidx.
func (dd *Diffdef) Dep(gidx int) (Dep, error) {
	if !dd.setupDone {
		return DepNone, fmt.Errorf("diffusion %q dep: %w", dd.name, ErrNotSetup)
	}
	if gidx < 0 || gidx >= len(dd.dep) {
		return DepNone, fmt.Errorf("species index %d: %w", gidx, ErrIndexOutOfRange)
	}
	return dd.dep[gidx], nil
}

// RequiresSpec reports whether a count change of the species invalidates this
// rule's propensity.
func (dd *Diffdef) RequiresSpec(gidx int) (bool, error) {
	d, err := dd.Dep(gidx)
	if err != nil {
		return false, err
	}
	return d != DepNone, nil
}
