package core

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/signalsfoundry/mesosim/model"
	"github.com/signalsfoundry/mesosim/statedef"
)

// LoadedSummary is a small summary of what was loaded. Mainly useful for
// logging from main().
type LoadedSummary struct {
	Species      int
	Compartments int
	Elements     int
	Links        int
}

// internal JSON shapes - kept unexported so the format is free to evolve.
type modelJSON struct {
	Species      []speciesJSON     `json:"species"`
	Compartments []compartmentJSON `json:"compartments"`
}

type speciesJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type compartmentJSON struct {
	ID         string          `json:"id"`
	Reactions  []reactionJSON  `json:"reactions"`
	Diffusions []diffusionJSON `json:"diffusions"`
}

type reactionJSON struct {
	ID   string   `json:"id"`
	LHS  []string `json:"lhs"`
	RHS  []string `json:"rhs"`
	Kcst float64  `json:"kcst"`
}

type diffusionJSON struct {
	ID      string  `json:"id"`
	Species string  `json:"species"`
	Dcst    float64 `json:"dcst"`
}

type meshJSON struct {
	Elements []elementJSON `json:"elements"`
	Links    []linkJSON    `json:"links"`
}

type elementJSON struct {
	Compartment string  `json:"compartment"`
	Volume      float64 `json:"volume"`
	Rank        int     `json:"rank"`
}

type linkJSON struct {
	A    int     `json:"a"`
	Face int     `json:"face"`
	B    int     `json:"b"`
	Area float64 `json:"area"`
	Dist float64 `json:"dist"`
}

// LoadModel decodes a model document. Species references are resolved later
// by statedef.Compile; this layer only checks the document's shape.
func LoadModel(r io.Reader) (*model.Model, error) {
	var doc modelJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode model: %w", err)
	}
	m := &model.Model{}
	for _, s := range doc.Species {
		if s.ID == "" {
			return nil, fmt.Errorf("species with empty id")
		}
		m.Species = append(m.Species, model.Species{ID: s.ID, Name: s.Name})
	}
	for _, c := range doc.Compartments {
		if c.ID == "" {
			return nil, fmt.Errorf("compartment with empty id")
		}
		comp := model.Compartment{ID: c.ID}
		for _, rj := range c.Reactions {
			comp.Reactions = append(comp.Reactions, model.Reaction{
				ID: rj.ID, LHS: rj.LHS, RHS: rj.RHS, Kcst: rj.Kcst,
			})
		}
		for _, dj := range c.Diffusions {
			comp.Diffusions = append(comp.Diffusions, model.Diffusion{
				ID: dj.ID, Species: dj.Species, Dcst: dj.Dcst,
			})
		}
		m.Compartments = append(m.Compartments, comp)
	}
	return m, nil
}

// LoadMesh decodes a mesh document: elements with volumes, compartment and
// rank assignments, and face adjacency.
func LoadMesh(r io.Reader) (*model.MeshSpec, error) {
	var doc meshJSON
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode mesh: %w", err)
	}
	spec := &model.MeshSpec{}
	for _, e := range doc.Elements {
		spec.Elements = append(spec.Elements, model.ElementSpec{
			Compartment: e.Compartment, Volume: e.Volume, Rank: e.Rank,
		})
	}
	for _, l := range doc.Links {
		spec.Links = append(spec.Links, model.LinkSpec{
			ElemA: l.A, Face: l.Face, ElemB: l.B, Area: l.Area, Dist: l.Dist,
		})
	}
	return spec, nil
}

// BuildMesh materializes the rank-local part of a mesh document: local
// elements become Elements, links between two local elements become
// bidirectional neighbor links, and links crossing the partition boundary
// become remote links carrying the owning rank.
func BuildMesh(sd *statedef.Statedef, spec *model.MeshSpec, rank int) (*Mesh, LoadedSummary, error) {
	sum := LoadedSummary{Species: sd.CountSpecs(), Compartments: sd.CountComps()}
	m := NewMesh(sd)

	local := make(map[int]int) // global element index -> local index
	for gi, es := range spec.Elements {
		if es.Rank != rank {
			continue
		}
		cidx, err := sd.CompIdx(es.Compartment)
		if err != nil {
			return nil, sum, fmt.Errorf("element %d: %w", gi, err)
		}
		cdef, err := sd.Comp(cidx)
		if err != nil {
			return nil, sum, err
		}
		el, err := m.AddElement(gi, cdef, es.Volume)
		if err != nil {
			return nil, sum, err
		}
		local[gi] = el.Idx()
		sum.Elements++
	}

	for _, l := range spec.Links {
		if l.ElemA < 0 || l.ElemA >= len(spec.Elements) || l.ElemB < 0 || l.ElemB >= len(spec.Elements) {
			return nil, sum, fmt.Errorf("link %d-%d: %w", l.ElemA, l.ElemB, ErrIndexOutOfRange)
		}
		la, aLocal := local[l.ElemA]
		lb, bLocal := local[l.ElemB]
		switch {
		case aLocal && bLocal:
			if err := m.LinkNeighbors(la, l.Face, lb, l.Area, l.Dist); err != nil {
				return nil, sum, err
			}
			sum.Links++
		case aLocal:
			rb := spec.Elements[l.ElemB].Rank
			if err := m.LinkRemote(la, l.Face, rb, l.ElemB, l.Area, l.Dist); err != nil {
				return nil, sum, err
			}
			sum.Links++
		case bLocal:
			// The mesh document records each shared face once, from A's
			// side; B's reciprocal remote link goes on its first free face.
			ra := spec.Elements[l.ElemA].Rank
			face := -1
			eb, err := m.Element(lb)
			if err != nil {
				return nil, sum, err
			}
			for f := 0; f < NumFaces; f++ {
				if !eb.Neighbor(f).Linked() {
					face = f
					break
				}
			}
			if face < 0 {
				return nil, sum, fmt.Errorf("element %d has no free face: %w", l.ElemB, ErrConflictingLink)
			}
			if err := m.LinkRemote(lb, face, ra, l.ElemA, l.Area, l.Dist); err != nil {
				return nil, sum, err
			}
			sum.Links++
		}
	}
	return m, sum, nil
}
