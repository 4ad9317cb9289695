package core

import (
	"context"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/signalsfoundry/mesosim/internal/logging"
	"github.com/signalsfoundry/mesosim/statedef"
	"github.com/signalsfoundry/mesosim/timectrl"
)

// avogadro is the Avogadro constant; the 1e3 factor in propensity scaling
// converts element volumes from m^3 to litres so rate constants keep their
// conventional molar units.
const avogadro = 6.02214076e23

// State is the engine lifecycle phase.
type State int

const (
	StateUninitialized State = iota
	StateReady
	StateRunning
	StatePaused
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// Status reports what a Step call did.
type Status int

const (
	// StatusEvent means one event was selected and applied.
	StatusEvent Status = iota
	// StatusNoEvent means total propensity was zero; the clock did not
	// advance.
	StatusNoEvent
)

// StepResult describes the event applied by one Step call.
type StepResult struct {
	Status Status
	Time   float64
	Elem   int  // local element index
	Rule   int  // local rule index within the element's compartment
	Remote bool // the event deferred a credit to another process
}

// EventKind labels events for metrics.
const (
	EventReaction  = "reaction"
	EventDiffusion = "diffusion"
)

// BoundaryHandler receives diffusion credits whose destination element is
// owned by another process. The local debit has already been applied when
// SendCredit is called; the handler must guarantee eventual, exactly-once
// delivery.
type BoundaryHandler interface {
	SendCredit(rank, targetElem, specGlobal, delta int, timestamp float64) error
}

// Coordinator gates the event loop at synchronization barriers. Barrier
// blocks until the local clock t is within the synchronization window of all
// neighbor processes, applying any pending inbound credits first.
type Coordinator interface {
	Barrier(ctx context.Context, t float64) error
	// AwaitInbound blocks until an inbound boundary message has been applied
	// or the context is done. Used when the local propensity is zero but
	// remote credits may still wake the process up. It returns false when no
	// further inbound events can arrive (every peer has terminated).
	AwaitInbound(ctx context.Context) (bool, error)
}

// EngineMetrics receives engine-level measurements. Implementations live in
// internal/observability so this package stays free of prometheus imports.
type EngineMetrics interface {
	RecordEvent(kind string)
	SetClock(t float64)
	ObserveStep(seconds float64)
}

type specCoef struct {
	lidx int
	coef int
}

type reacRT struct {
	def *statedef.Reacdef
	lhs []specCoef // reactant stoichiometry over local species indices
	upd []specCoef // net pool changes over local species indices
}

type diffRT struct {
	def *statedef.Diffdef
	lig int // local index of the diffusing species
}

type compRT struct {
	reacs []reacRT
	diffs []diffRT
}

// Engine owns the propensity table and drives the stochastic event loop for
// the locally owned part of the mesh. All mutation happens on the single
// goroutine calling Step/Run; cross-process effects travel through the
// BoundaryHandler, never through shared memory.
type Engine struct {
	sd   *statedef.Statedef
	mesh *Mesh
	rs   *timectrl.RunState
	log  logging.Logger

	metrics  EngineMetrics
	boundary BoundaryHandler
	coord    Coordinator

	state State
	comps []compRT

	// prop[e][r] is the propensity of local rule r in element e. Zero
	// entries stay in place; the index space is stable across events.
	prop      [][]float64
	elemTotal []float64
	total     float64
}

// EngineOption customises engine construction.
type EngineOption func(*Engine)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithMetrics attaches an engine metrics recorder.
func WithMetrics(m EngineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithBoundaryHandler attaches the cross-process credit handler.
func WithBoundaryHandler(b BoundaryHandler) EngineOption {
	return func(e *Engine) { e.boundary = b }
}

// WithCoordinator attaches the synchronization barrier.
func WithCoordinator(c Coordinator) EngineOption {
	return func(e *Engine) { e.coord = c }
}

// NewEngine constructs an engine over a compiled statedef and a populated
// mesh. Setup must be called before the first Step.
func NewEngine(sd *statedef.Statedef, mesh *Mesh, rs *timectrl.RunState, opts ...EngineOption) *Engine {
	e := &Engine{
		sd:    sd,
		mesh:  mesh,
		rs:    rs,
		log:   logging.Noop(),
		state: StateUninitialized,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current lifecycle phase.
func (e *Engine) State() State { return e.state }

// Mesh returns the engine's mesh.
func (e *Engine) Mesh() *Mesh { return e.mesh }

// RunState returns the engine's run state.
func (e *Engine) RunState() *timectrl.RunState { return e.rs }

// Setup compiles the per-compartment runtime rule tables and computes every
// element's full propensity vector once. Transitions Uninitialized -> Ready.
func (e *Engine) Setup() error {
	if e.state != StateUninitialized {
		return fmt.Errorf("setup in state %s: %w", e.state, statedef.ErrDoubleSetup)
	}
	if !e.sd.SetupDone() {
		return fmt.Errorf("engine setup: %w", statedef.ErrNotSetup)
	}

	e.comps = make([]compRT, e.sd.CountComps())
	for cidx := range e.comps {
		cdef, err := e.sd.Comp(cidx)
		if err != nil {
			return err
		}
		rt := &e.comps[cidx]
		for ri := 0; ri < cdef.CountReacs(); ri++ {
			rd, err := cdef.Reac(ri)
			if err != nil {
				return err
			}
			rrt := reacRT{def: rd}
			for l := 0; l < cdef.CountSpecs(); l++ {
				g, err := cdef.SpecL2G(l)
				if err != nil {
					return err
				}
				if s := rd.LHS(g); s != 0 {
					rrt.lhs = append(rrt.lhs, specCoef{lidx: l, coef: s})
				}
				if u := rd.Upd(g); u != 0 {
					rrt.upd = append(rrt.upd, specCoef{lidx: l, coef: u})
				}
			}
			rt.reacs = append(rt.reacs, rrt)
		}
		for di := 0; di < cdef.CountDiffs(); di++ {
			dd, err := cdef.Diff(di)
			if err != nil {
				return err
			}
			lig, err := cdef.SpecG2L(dd.Lig())
			if err != nil {
				return err
			}
			if lig == statedef.LocalUndefined {
				return fmt.Errorf("diffusion %q species not local: %w", dd.Name(), statedef.ErrUnknownSpecies)
			}
			rt.diffs = append(rt.diffs, diffRT{def: dd, lig: lig})
		}
	}

	if err := e.RecomputeAll(); err != nil {
		return err
	}
	e.state = StateReady
	e.log.Info(context.Background(), "engine ready",
		logging.Int("elements", e.mesh.CountElements()),
		logging.Int("rules", e.sd.CountRules()))
	return nil
}

// RecomputeAll rebuilds the full propensity table from pool counts and rate
// constants. O(elements x rules); used at setup, after restore, and after
// Reset.
func (e *Engine) RecomputeAll() error {
	n := e.mesh.CountElements()
	e.prop = make([][]float64, n)
	e.elemTotal = make([]float64, n)
	e.total = 0
	for i, el := range e.mesh.Elements() {
		nrules := el.cdef.CountRules()
		e.prop[i] = make([]float64, nrules)
		sum := 0.0
		for r := 0; r < nrules; r++ {
			p, err := e.computeProp(el, r)
			if err != nil {
				return err
			}
			e.prop[i][r] = p
			sum += p
		}
		e.elemTotal[i] = sum
		e.total += sum
	}
	return nil
}

// computeProp evaluates the propensity of one (element, local rule) pair
// from scratch.
func (e *Engine) computeProp(el *Element, rule int) (float64, error) {
	rt := &e.comps[el.cdef.CIdx()]
	if rule < 0 || rule >= len(rt.reacs)+len(rt.diffs) {
		return 0, fmt.Errorf("rule index %d: %w", rule, ErrIndexOutOfRange)
	}
	if rule < len(rt.reacs) {
		return e.reacProp(el, &rt.reacs[rule])
	}
	return e.diffProp(el, &rt.diffs[rule-len(rt.reacs)])
}

func (e *Engine) reacProp(el *Element, r *reacRT) (float64, error) {
	kcst, err := r.def.Kcst()
	if err != nil {
		return 0, err
	}
	// Stochastic rate constant: kcst scaled by (N_A * V)^(1-order).
	ccst := kcst * math.Pow(avogadro*el.vol*1e3, float64(1-r.def.Order()))
	h := 1.0
	for _, sc := range r.lhs {
		n := el.pools[sc.lidx]
		for k := 0; k < sc.coef; k++ {
			h *= float64(n) - float64(k)
		}
	}
	if h <= 0 {
		return 0, nil
	}
	return ccst * h, nil
}

func (e *Engine) diffProp(el *Element, d *diffRT) (float64, error) {
	dcst, err := d.def.Dcst()
	if err != nil {
		return 0, err
	}
	scale := 0.0
	for f := range el.neighbors {
		nb := &el.neighbors[f]
		if nb.Linked() {
			scale += nb.diffScale
		}
	}
	return dcst * scale * float64(el.pools[d.lig]), nil
}

// Step performs one stochastic event: total-rate summation, exponential
// waiting time, cumulative event selection, application, and the partial
// propensity update driven by the dependency tables.
func (e *Engine) Step() (StepResult, error) {
	switch e.state {
	case StateReady, StatePaused:
		e.state = StateRunning
	case StateRunning:
	case StateTerminated:
		return StepResult{}, ErrTerminated
	default:
		return StepResult{}, fmt.Errorf("step in state %s: %w", e.state, ErrNotReady)
	}
	started := time.Now()

	// Deterministic linear summation over the stable element order.
	total := 0.0
	for _, t := range e.elemTotal {
		total += t
	}
	e.total = total
	if total == 0 {
		return StepResult{Status: StatusNoEvent, Time: e.rs.Now()}, nil
	}

	dt := distuv.Exponential{Rate: total, Src: e.rs.Source()}.Rand()

	// Select the (element, rule) pair whose cumulative propensity bucket
	// contains the draw. Ties resolve purely by position in cumulative-sum
	// space; zero-propensity entries contribute zero-width buckets and are
	// never skipped.
	target := e.rs.Rand().Float64() * total
	elem, rule := e.selectEvent(target)
	el := e.mesh.elems[elem]
	rt := &e.comps[el.cdef.CIdx()]

	now := e.rs.Advance(dt)

	res := StepResult{Status: StatusEvent, Time: now, Elem: elem, Rule: rule}
	var changed []int
	var err error
	if rule < len(rt.reacs) {
		changed = e.applyReaction(el, &rt.reacs[rule])
		if e.metrics != nil {
			e.metrics.RecordEvent(EventReaction)
		}
	} else {
		changed, res.Remote, err = e.applyDiffusion(el, &rt.diffs[rule-len(rt.reacs)], now)
		if err != nil {
			return StepResult{}, err
		}
		if e.metrics != nil {
			e.metrics.RecordEvent(EventDiffusion)
		}
	}

	if err := e.updateDependents(elem, changed); err != nil {
		return StepResult{}, err
	}

	if e.metrics != nil {
		e.metrics.SetClock(now)
		e.metrics.ObserveStep(time.Since(started).Seconds())
	}
	return res, nil
}

// selectEvent walks the cumulative propensity mass to find the bucket
// containing target. Floating-point overshoot lands on the last pair with
// positive propensity.
func (e *Engine) selectEvent(target float64) (elem, rule int) {
	acc := 0.0
	for i := range e.elemTotal {
		t := e.elemTotal[i]
		if t <= 0 {
			continue
		}
		if target < acc+t {
			acc2 := acc
			last := -1
			for r, p := range e.prop[i] {
				if p <= 0 {
					continue
				}
				last = r
				if target < acc2+p {
					return i, r
				}
				acc2 += p
			}
			if last >= 0 {
				// The cached element total exceeded the rules' sum by a
				// rounding margin; clamp onto the element's final bucket.
				return i, last
			}
		}
		acc += t
	}
	for i := len(e.prop) - 1; i >= 0; i-- {
		for r := len(e.prop[i]) - 1; r >= 0; r-- {
			if e.prop[i][r] > 0 {
				return i, r
			}
		}
	}
	return 0, 0
}

// applyReaction mutates the element's pools by the reaction's update vector
// and returns the local species indices whose counts changed.
func (e *Engine) applyReaction(el *Element, r *reacRT) []int {
	changed := make([]int, 0, len(r.upd))
	for _, sc := range r.upd {
		el.applyDelta(sc.lidx, sc.coef)
		changed = append(changed, sc.lidx)
	}
	return changed
}

// applyDiffusion debits the source element and credits the destination. For
// a remote destination the credit is handed to the BoundaryHandler after the
// local debit; the destination process applies it asynchronously.
func (e *Engine) applyDiffusion(el *Element, d *diffRT, now float64) (changed []int, remote bool, err error) {
	// Pick the exit face proportionally to its area/distance scaling.
	totalScale := 0.0
	for f := range el.neighbors {
		if el.neighbors[f].Linked() {
			totalScale += el.neighbors[f].diffScale
		}
	}
	if totalScale == 0 {
		return nil, false, fmt.Errorf("element %d: diffusion selected with no linked faces", el.global)
	}
	target := e.rs.Rand().Float64() * totalScale
	face := -1
	acc := 0.0
	for f := range el.neighbors {
		nb := &el.neighbors[f]
		if !nb.Linked() {
			continue
		}
		face = f
		if target < acc+nb.diffScale {
			break
		}
		acc += nb.diffScale
	}
	nb := &el.neighbors[face]

	el.applyDelta(d.lig, -1)
	changed = []int{d.lig}

	if nb.Remote {
		if e.boundary == nil {
			return nil, false, fmt.Errorf("element %d face %d: remote link without boundary handler", el.global, face)
		}
		lig, lerr := el.cdef.SpecL2G(d.lig)
		if lerr != nil {
			return nil, false, lerr
		}
		if serr := e.boundary.SendCredit(nb.Rank, nb.RemoteElem, lig, 1, now); serr != nil {
			return nil, false, fmt.Errorf("send boundary credit: %w", serr)
		}
		return changed, true, nil
	}

	dst := e.mesh.elems[nb.Elem]
	dstLig := d.lig
	if dst.cdef != el.cdef {
		// Neighbor in a different compartment: translate through the global
		// species index.
		g, gerr := el.cdef.SpecL2G(d.lig)
		if gerr != nil {
			return nil, false, gerr
		}
		dstLig, err = dst.cdef.SpecG2L(g)
		if err != nil {
			return nil, false, err
		}
		if dstLig == statedef.LocalUndefined {
			return nil, false, fmt.Errorf("element %d: species not defined in destination compartment: %w",
				dst.global, statedef.ErrUnknownSpecies)
		}
	}
	dst.applyDelta(dstLig, 1)
	if err := e.updateDependents(dst.idx, []int{dstLig}); err != nil {
		return nil, false, err
	}
	return changed, false, nil
}

// updateDependents recomputes exactly the propensities whose dependency
// vectors mark one of the changed species in the given element. This is the
// partial-update step: cost is proportional to the dependent pairs touched,
// never to total model size.
func (e *Engine) updateDependents(elem int, changed []int) error {
	el := e.mesh.elems[elem]
	for _, lidx := range changed {
		rules, err := el.cdef.DependentRules(lidx)
		if err != nil {
			return err
		}
		for _, r := range rules {
			p, err := e.computeProp(el, r)
			if err != nil {
				return err
			}
			delta := p - e.prop[elem][r]
			e.prop[elem][r] = p
			e.elemTotal[elem] += delta
			e.total += delta
		}
		if e.elemTotal[elem] < 0 {
			e.elemTotal[elem] = 0
		}
	}
	return nil
}

// ApplyRemoteCredit applies an inbound boundary credit to a locally owned
// element. The coordination layer guarantees the local clock has not passed
// timestamp by more than the synchronization window.
func (e *Engine) ApplyRemoteCredit(targetElem, specGlobal, delta int, timestamp float64) error {
	el, err := e.mesh.ElementByGlobal(targetElem)
	if err != nil {
		return err
	}
	lidx, err := el.cdef.SpecG2L(specGlobal)
	if err != nil {
		return err
	}
	if lidx == statedef.LocalUndefined {
		return fmt.Errorf("credit species %d in element %d: %w", specGlobal, targetElem, statedef.ErrUnknownSpecies)
	}
	el.applyDelta(lidx, delta)
	return e.updateDependents(el.idx, []int{lidx})
}

// RefreshRule recomputes one global rule's propensity in every element of
// its compartment, e.g. after a mid-run rate constant change.
func (e *Engine) RefreshRule(cidx, localRule int) error {
	if e.state == StateUninitialized {
		return ErrNotReady
	}
	for i, el := range e.mesh.elems {
		if el.cdef.CIdx() != cidx {
			continue
		}
		p, err := e.computeProp(el, localRule)
		if err != nil {
			return err
		}
		delta := p - e.prop[i][localRule]
		e.prop[i][localRule] = p
		e.elemTotal[i] += delta
		e.total += delta
	}
	return nil
}

// Propensity returns the current propensity of a (element, local rule) pair.
// Derived state; exposed for tests and diagnostics.
func (e *Engine) Propensity(elem, rule int) (float64, error) {
	if e.state == StateUninitialized {
		return 0, ErrNotReady
	}
	if elem < 0 || elem >= len(e.prop) {
		return 0, fmt.Errorf("element index %d: %w", elem, ErrIndexOutOfRange)
	}
	if rule < 0 || rule >= len(e.prop[elem]) {
		return 0, fmt.Errorf("rule index %d: %w", rule, ErrIndexOutOfRange)
	}
	return e.prop[elem][rule], nil
}

// Pause transitions Running -> Paused between events.
func (e *Engine) Pause() error {
	if e.state != StateRunning && e.state != StateReady {
		return fmt.Errorf("pause in state %s: %w", e.state, ErrNotReady)
	}
	e.state = StatePaused
	return nil
}

// Terminate ends the simulation; further Step calls fail with ErrTerminated.
func (e *Engine) Terminate() {
	e.state = StateTerminated
}

// Reset zeroes pool counts and recomputes propensities, returning the engine
// to Ready with the clock reseeded. Distinct from termination.
func (e *Engine) Reset(seed uint64) error {
	if e.state == StateUninitialized {
		return ErrNotReady
	}
	e.mesh.Reset()
	e.rs.Reset(seed)
	if err := e.RecomputeAll(); err != nil {
		return err
	}
	e.state = StateReady
	return nil
}

// Run drives the event loop until the simulation clock reaches until, the
// event budget maxEvents (0 = unlimited) is spent, or a cooperative stop is
// requested. Cancellation is checked between events, never mid-event.
func (e *Engine) Run(ctx context.Context, until float64, maxEvents uint64) error {
	if e.state == StateUninitialized || e.state == StateTerminated {
		return fmt.Errorf("run in state %s: %w", e.state, ErrNotReady)
	}
	applied := uint64(0)
	for {
		if ctx.Err() != nil || e.rs.StopRequested() {
			e.state = StatePaused
			return ctx.Err()
		}
		if e.rs.Now() >= until || (maxEvents > 0 && applied >= maxEvents) {
			e.state = StateTerminated
			return nil
		}
		if e.coord != nil {
			if err := e.coord.Barrier(ctx, e.rs.Now()); err != nil {
				return err
			}
		}
		res, err := e.Step()
		if err != nil {
			return err
		}
		if res.Status == StatusNoEvent {
			// Quiescent locally; remote credits may still arrive. Without a
			// coordinator there is nothing left to do.
			if e.coord == nil {
				e.state = StateTerminated
				return nil
			}
			more, err := e.coord.AwaitInbound(ctx)
			if err != nil {
				return err
			}
			if !more {
				e.state = StateTerminated
				return nil
			}
			continue
		}
		applied++
	}
}
