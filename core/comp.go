package core

import (
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/signalsfoundry/mesosim/statedef"
)

// Comp aggregates the mesh elements sharing one compartment definition. It
// tracks the compartment's total volume and supports volume-proportional
// random element selection for compartment-level events.
type Comp struct {
	cdef  *statedef.Compdef
	elems []*Element
	vol   float64

	// cumVol[i] is the cumulative volume through element i, rebuilt lazily
	// after additions. Buckets follow insertion order.
	cumVol []float64
	dirty  bool
}

func newComp(cdef *statedef.Compdef) *Comp {
	return &Comp{cdef: cdef}
}

func (c *Comp) addElement(e *Element) error {
	if e.cdef != c.cdef {
		return fmt.Errorf("element %d in compartment %q: %w", e.global, c.cdef.Name(), ErrCompartmentMismatch)
	}
	c.elems = append(c.elems, e)
	c.vol += e.vol
	c.dirty = true
	return nil
}

// Def returns the shared compartment definition.
func (c *Comp) Def() *statedef.Compdef { return c.cdef }

// Vol returns the total volume of the compartment's elements.
func (c *Comp) Vol() float64 { return c.vol }

// CountElements returns the number of aggregated elements.
func (c *Comp) CountElements() int { return len(c.elems) }

// PickElementByVolume maps a uniform draw in [0,1) onto the element whose
// cumulative-volume bucket contains rand01*Vol(). Selection is deterministic
// given the draw and the insertion order.
func (c *Comp) PickElementByVolume(rand01 float64) (*Element, error) {
	if len(c.elems) == 0 {
		return nil, fmt.Errorf("compartment %q has no elements: %w", c.cdef.Name(), ErrIndexOutOfRange)
	}
	if c.dirty {
		vols := make([]float64, len(c.elems))
		for i, e := range c.elems {
			vols[i] = e.vol
		}
		c.cumVol = make([]float64, len(vols))
		floats.CumSum(c.cumVol, vols)
		c.dirty = false
	}
	target := rand01 * c.vol
	for i, cv := range c.cumVol {
		if target < cv {
			return c.elems[i], nil
		}
	}
	// rand01 arbitrarily close to 1 can push target onto the final boundary.
	return c.elems[len(c.elems)-1], nil
}

// ModCount applies a count change for the species at local index lidx to a
// volume-weighted random element, using the supplied uniform draw. Used for
// compartment-level injection events.
func (c *Comp) ModCount(lidx int, delta int, rand01 float64) (*Element, error) {
	e, err := c.PickElementByVolume(rand01)
	if err != nil {
		return nil, err
	}
	n, err := e.PoolCount(lidx)
	if err != nil {
		return nil, err
	}
	if delta < 0 && uint64(-delta) > n {
		return nil, fmt.Errorf("element %d species %d count %d delta %d: %w",
			e.global, lidx, n, delta, ErrIndexOutOfRange)
	}
	e.applyDelta(lidx, delta)
	return e, nil
}
