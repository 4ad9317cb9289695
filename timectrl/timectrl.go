package timectrl

import (
	"fmt"
	"sync"
	"sync/atomic"

	xrand "golang.org/x/exp/rand"
)

// SimClock is an interface for reading simulation time. Coordination
// components depend on this abstraction rather than the concrete RunState,
// enabling testability.
type SimClock interface {
	// Now returns the current simulation time in seconds.
	Now() float64
}

// RunState is the explicit per-process simulation context: the simulation
// clock, the event counter, the random stream, and the cooperative stop
// flag. It is created at simulation start and passed to every operation that
// needs it; there is no ambient global state.
//
// The event loop owns RunState mutation. The mutex only protects concurrent
// reads from the coordination goroutines.
type RunState struct {
	mu     sync.RWMutex
	clock  float64
	events uint64

	src *xrand.PCGSource
	rng *xrand.Rand

	stopped atomic.Bool

	listeners []func(float64)
}

// New constructs a run state with the clock at zero and a PCG random stream
// seeded with seed.
func New(seed uint64) *RunState {
	src := &xrand.PCGSource{}
	src.Seed(seed)
	return &RunState{
		src: src,
		rng: xrand.New(src),
	}
}

// Now returns the current simulation time. Implements SimClock.
func (rs *RunState) Now() float64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.clock
}

// NEvents returns the number of events applied so far.
func (rs *RunState) NEvents() uint64 {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	return rs.events
}

// Advance moves the clock forward by dt, counts one event, notifies
// listeners, and returns the new time.
func (rs *RunState) Advance(dt float64) float64 {
	rs.mu.Lock()
	rs.clock += dt
	rs.events++
	now := rs.clock
	listeners := rs.listeners
	rs.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// AddListener registers a callback invoked after every clock advance.
func (rs *RunState) AddListener(fn func(float64)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.listeners = append(rs.listeners, fn)
}

// Rand returns the simulation's random stream. Only the event loop may draw
// from it; reproducibility depends on a single consumer.
func (rs *RunState) Rand() *xrand.Rand { return rs.rng }

// Source exposes the underlying source for samplers that take a Source
// directly.
func (rs *RunState) Source() xrand.Source { return rs.src }

// RequestStop asks the event loop to stop after the current event completes.
// This is the only cancellation granularity; there is no mid-event rollback.
func (rs *RunState) RequestStop() { rs.stopped.Store(true) }

// StopRequested reports whether a cooperative stop is pending.
func (rs *RunState) StopRequested() bool { return rs.stopped.Load() }

// ClearStop resets the stop flag, e.g. when resuming from a checkpoint.
func (rs *RunState) ClearStop() { rs.stopped.Store(false) }

// Snapshot captures the mutable run state for checkpointing: clock, event
// count, and the serialized random stream.
func (rs *RunState) Snapshot() (clock float64, events uint64, rngState []byte, err error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	state, err := rs.src.MarshalBinary()
	if err != nil {
		return 0, 0, nil, fmt.Errorf("marshal rng state: %w", err)
	}
	return rs.clock, rs.events, state, nil
}

// Restore reinstates a previously captured run state. The random stream
// continues exactly where the snapshot left off.
func (rs *RunState) Restore(clock float64, events uint64, rngState []byte) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := rs.src.UnmarshalBinary(rngState); err != nil {
		return fmt.Errorf("restore rng state: %w", err)
	}
	rs.clock = clock
	rs.events = events
	return nil
}

// Reset returns the state to time zero with a fresh stream seeded with seed.
// Distinct from teardown; listeners stay registered.
func (rs *RunState) Reset(seed uint64) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.clock = 0
	rs.events = 0
	rs.src.Seed(seed)
	rs.stopped.Store(false)
}
