package model

// Species declares a chemical species by name. Identity only; counts live in
// the runtime mesh elements.
type Species struct {
	ID   string
	Name string
}
