package core

import (
	"fmt"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
	"github.com/signalsfoundry/mesosim/statedef"
)

// Solver is the runtime query/command surface consumed by callers outside
// the core (a CLI, a scripting layer). Elements are addressed by their
// global mesh index, species and rules by their global indices.
type Solver interface {
	Count(elemGlobal, specGlobal int) (uint64, error)
	SetCount(elemGlobal, specGlobal int, n uint64) error
	RuleRate(ruleGlobal int) (float64, error)
	SetRuleRate(ruleGlobal int, x float64) error
	Time() float64
	Snapshot(rank int32, inflight []checkpoint.BoundaryMessage) (*checkpoint.Snapshot, error)
	RestoreSnapshot(snap *checkpoint.Snapshot) error
}

// Count returns the pool count of a species in a locally owned element.
func (e *Engine) Count(elemGlobal, specGlobal int) (uint64, error) {
	el, err := e.mesh.ElementByGlobal(elemGlobal)
	if err != nil {
		return 0, err
	}
	lidx, err := el.cdef.SpecG2L(specGlobal)
	if err != nil {
		return 0, err
	}
	if lidx == statedef.LocalUndefined {
		return 0, fmt.Errorf("species %d in element %d: %w", specGlobal, elemGlobal, statedef.ErrUnknownSpecies)
	}
	return el.PoolCount(lidx)
}

// SetCount sets the pool count of a species in a locally owned element and
// recomputes the dependent propensities.
func (e *Engine) SetCount(elemGlobal, specGlobal int, n uint64) error {
	el, err := e.mesh.ElementByGlobal(elemGlobal)
	if err != nil {
		return err
	}
	lidx, err := el.cdef.SpecG2L(specGlobal)
	if err != nil {
		return err
	}
	if lidx == statedef.LocalUndefined {
		return fmt.Errorf("species %d in element %d: %w", specGlobal, elemGlobal, statedef.ErrUnknownSpecies)
	}
	if err := el.SetPoolCount(lidx, n); err != nil {
		return err
	}
	if e.state == StateUninitialized {
		// Counts set before Setup are picked up by the initial full
		// propensity computation.
		return nil
	}
	return e.updateDependents(el.idx, []int{lidx})
}

// RuleRate returns the mutable rate field of the rule at the global index.
func (e *Engine) RuleRate(ruleGlobal int) (float64, error) {
	return e.sd.RuleRate(ruleGlobal)
}

// SetRuleRate changes a rate constant or diffusion coefficient mid-run and
// recomputes the rule's propensity in every element of its compartment.
func (e *Engine) SetRuleRate(ruleGlobal int, x float64) error {
	if err := e.sd.SetRuleRate(ruleGlobal, x); err != nil {
		return err
	}
	if e.state == StateUninitialized {
		return nil
	}
	re, err := e.sd.Rule(ruleGlobal)
	if err != nil {
		return err
	}
	return e.RefreshRule(re.Comp.CIdx(), re.Local)
}

// Time returns the current simulation clock.
func (e *Engine) Time() float64 { return e.rs.Now() }

// Snapshot captures the engine's mutable state plus the coordinator's
// in-flight boundary messages into a checkpoint record.
func (e *Engine) Snapshot(rank int32, inflight []checkpoint.BoundaryMessage) (*checkpoint.Snapshot, error) {
	clock, events, rng, err := e.rs.Snapshot()
	if err != nil {
		return nil, err
	}
	rates, err := e.sd.RuleRates()
	if err != nil {
		return nil, err
	}
	pools := make([][]uint64, len(e.mesh.elems))
	for i, el := range e.mesh.elems {
		pools[i] = append([]uint64(nil), el.pools...)
	}
	return &checkpoint.Snapshot{
		Rank:     rank,
		Clock:    clock,
		Events:   events,
		RNG:      rng,
		Pools:    pools,
		Rates:    rates,
		InFlight: inflight,
	}, nil
}

// RestoreSnapshot reinstates pools, rates, clock, and the random stream from
// a checkpoint, then rebuilds the full propensity table. The caller must
// hand the snapshot's in-flight messages back to the coordination layer
// before resuming; resuming without them loses cross-boundary molecules.
func (e *Engine) RestoreSnapshot(snap *checkpoint.Snapshot) error {
	if len(snap.Pools) != len(e.mesh.elems) {
		return fmt.Errorf("snapshot has %d elements, mesh has %d: %w",
			len(snap.Pools), len(e.mesh.elems), checkpoint.ErrCorrupt)
	}
	for i, el := range e.mesh.elems {
		if len(snap.Pools[i]) != len(el.pools) {
			return fmt.Errorf("snapshot element %d has %d species, want %d: %w",
				i, len(snap.Pools[i]), len(el.pools), checkpoint.ErrCorrupt)
		}
	}
	if err := e.sd.SetRuleRates(snap.Rates); err != nil {
		return fmt.Errorf("restore rates: %w", err)
	}
	for i, el := range e.mesh.elems {
		copy(el.pools, snap.Pools[i])
	}
	if err := e.rs.Restore(snap.Clock, snap.Events, snap.RNG); err != nil {
		return err
	}
	if e.state == StateUninitialized {
		return nil
	}
	if err := e.RecomputeAll(); err != nil {
		return err
	}
	if e.state == StateTerminated {
		e.state = StatePaused
	}
	return nil
}
