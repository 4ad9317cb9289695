package core

import (
	"errors"
	"testing"

	"github.com/signalsfoundry/mesosim/model"
)

func TestCompAggregatesVolume(t *testing.T) {
	sd := compileModel(t, diffusionOnlyModel())
	cdef, _ := sd.Comp(0)
	mesh := NewMesh(sd)
	vols := []float64{1e-18, 3e-18, 6e-18}
	for i, v := range vols {
		if _, err := mesh.AddElement(i, cdef, v); err != nil {
			t.Fatalf("AddElement: %v", err)
		}
	}

	c, err := mesh.Comp(0)
	if err != nil {
		t.Fatalf("Comp: %v", err)
	}
	if c.CountElements() != 3 {
		t.Fatalf("CountElements = %d, want 3", c.CountElements())
	}
	if want := 1e-17; c.Vol() != want {
		t.Errorf("Vol = %g, want %g", c.Vol(), want)
	}
}

func TestPickElementByVolumeBuckets(t *testing.T) {
	sd := compileModel(t, diffusionOnlyModel())
	cdef, _ := sd.Comp(0)
	mesh := NewMesh(sd)
	// Cumulative volume fractions: 0.1, 0.4, 1.0.
	for i, v := range []float64{1e-18, 3e-18, 6e-18} {
		if _, err := mesh.AddElement(i, cdef, v); err != nil {
			t.Fatalf("AddElement: %v", err)
		}
	}
	c, _ := mesh.Comp(0)

	cases := []struct {
		draw float64
		want int
	}{
		{0.0, 0},
		{0.05, 0},
		{0.1, 1},
		{0.39, 1},
		{0.4, 2},
		{0.999999, 2},
	}
	for _, tc := range cases {
		el, err := c.PickElementByVolume(tc.draw)
		if err != nil {
			t.Fatalf("PickElementByVolume(%g): %v", tc.draw, err)
		}
		if el.Global() != tc.want {
			t.Errorf("PickElementByVolume(%g) = element %d, want %d", tc.draw, el.Global(), tc.want)
		}
	}
}

func TestModCountRejectsUnderflow(t *testing.T) {
	sd := compileModel(t, diffusionOnlyModel())
	cdef, _ := sd.Comp(0)
	mesh := NewMesh(sd)
	if _, err := mesh.AddElement(0, cdef, 1e-18); err != nil {
		t.Fatalf("AddElement: %v", err)
	}
	c, _ := mesh.Comp(0)

	if _, err := c.ModCount(0, 5, 0.5); err != nil {
		t.Fatalf("ModCount inject: %v", err)
	}
	el, _ := mesh.Element(0)
	n, _ := el.PoolCount(0)
	if n != 5 {
		t.Fatalf("count after inject = %d, want 5", n)
	}

	if _, err := c.ModCount(0, -6, 0.5); err == nil {
		t.Error("withdrawal below zero accepted")
	}
	if _, err := c.ModCount(0, -5, 0.5); err != nil {
		t.Errorf("exact withdrawal rejected: %v", err)
	}
}

func TestCompartmentMismatchRejected(t *testing.T) {
	m := diffusionOnlyModel()
	m.Compartments = append(m.Compartments, model.Compartment{ID: "ext"})
	sd := compileModel(t, m)
	cyt, _ := sd.Comp(0)
	ext, _ := sd.Comp(1)

	mesh := NewMesh(sd)
	el, err := mesh.AddElement(0, cyt, 1e-18)
	if err != nil {
		t.Fatalf("AddElement: %v", err)
	}
	c := newComp(ext)
	if err := c.addElement(el); !errors.Is(err, ErrCompartmentMismatch) {
		t.Errorf("addElement with foreign compdef = %v, want ErrCompartmentMismatch", err)
	}
}
