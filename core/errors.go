package core

import "errors"

var (
	// ErrBadVolume indicates an element volume that is not strictly positive.
	ErrBadVolume = errors.New("element volume must be positive")
	// ErrNilCompdef indicates an element was registered without a compartment
	// definition.
	ErrNilCompdef = errors.New("element has no compartment definition")
	// ErrDuplicateElement indicates a global element index registered twice.
	ErrDuplicateElement = errors.New("duplicate element index")
	// ErrConflictingLink indicates a face that already has a neighbor. Links
	// are never silently overwritten; the mesh partitioner's output must be
	// consistent.
	ErrConflictingLink = errors.New("face already linked")
	// ErrDegenerateGeometry indicates a zero or negative face area or
	// inter-centroid distance.
	ErrDegenerateGeometry = errors.New("degenerate face geometry")
	// ErrCompartmentMismatch indicates an element added to a runtime
	// compartment whose definition differs from the element's own.
	ErrCompartmentMismatch = errors.New("element compartment definition mismatch")
	// ErrIndexOutOfRange indicates an element, species, or face index outside
	// the valid range.
	ErrIndexOutOfRange = errors.New("index out of range")
	// ErrNotReady indicates an engine operation before Setup completed.
	ErrNotReady = errors.New("engine not ready")
	// ErrTerminated indicates a Step call after the simulation terminated.
	ErrTerminated = errors.New("simulation terminated")
	// ErrUnknownElement indicates a global element index that is not owned by
	// this process.
	ErrUnknownElement = errors.New("unknown element")
)
