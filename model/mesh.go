package model

// ElementSpec describes one tetrahedral element (or well-mixed volume) of the
// discretized geometry: its volume, the compartment it belongs to, and the
// worker rank that owns it. Produced by the external mesh partitioner.
type ElementSpec struct {
	Compartment string
	Volume      float64 // m^3
	Rank        int
}

// LinkSpec describes a shared face between two elements. Area and Dist feed
// the diffusion propensity scaling (area / (distance * volume)).
type LinkSpec struct {
	ElemA int
	Face  int     // face index on ElemA, 0..3
	ElemB int
	Area  float64 // m^2
	Dist  float64 // inter-centroid distance, m
}

// MeshSpec is the complete mesh input: elements in stable index order plus
// their adjacency. Element indices used by links are positions in Elements.
type MeshSpec struct {
	Elements []ElementSpec
	Links    []LinkSpec
}
