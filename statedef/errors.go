package statedef

import "errors"

var (
	// ErrUnknownSpecies indicates a rule referenced a species that was never
	// declared in the model.
	ErrUnknownSpecies = errors.New("unknown species")
	// ErrUnknownCompartment indicates a mesh element referenced an undeclared
	// compartment.
	ErrUnknownCompartment = errors.New("unknown compartment")
	// ErrDoubleSetup indicates Setup was called more than once.
	ErrDoubleSetup = errors.New("setup already done")
	// ErrNotSetup indicates a dependency or rate query before Setup.
	ErrNotSetup = errors.New("setup not done")
	// ErrNegativeRate indicates a rate constant or diffusion coefficient
	// below zero.
	ErrNegativeRate = errors.New("negative rate constant")
	// ErrIndexOutOfRange indicates a species or rule index outside the
	// compiled tables.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrDuplicateID indicates two model entities declared the same ID.
	ErrDuplicateID = errors.New("duplicate id")
)
