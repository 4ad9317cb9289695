package model

// Reaction declares a chemical reaction local to one compartment. LHS and RHS
// reference species by ID; a species may appear more than once to express
// stoichiometry greater than one.
type Reaction struct {
	ID   string
	LHS  []string
	RHS  []string
	Kcst float64 // reaction rate constant
}

// Diffusion declares that one species diffuses between adjacent mesh elements
// of a compartment.
type Diffusion struct {
	ID      string
	Species string
	Dcst    float64 // diffusion coefficient, m^2/s
}

// Compartment groups the rules active in one region of the mesh.
type Compartment struct {
	ID         string
	Reactions  []Reaction
	Diffusions []Diffusion
}

// Model is the complete user-declared reaction/diffusion system consumed by
// the definition layer.
type Model struct {
	Species      []Species
	Compartments []Compartment
}
