// Package object defines the lifecycle contract shared by every runtime
// entity driven by the tick loop.
package object

import "time"

// State is the lifecycle state of a runtime object. Every object is in
// exactly one state at a time.
type State int

const (
	// Ready means constructed and registered but not yet ticked.
	Ready State = iota
	// Active means ticked each frame.
	Active
	// Paused means skipped by the tick loop.
	Paused
	// Destroying means cleanup is in progress but the object is still
	// registered.
	Destroying
	// Destroyed is terminal; the object is removed from the registry at the
	// end of the frame in which it entered this state.
	Destroyed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Active:
		return "Active"
	case Paused:
		return "Paused"
	case Destroying:
		return "Destroying"
	case Destroyed:
		return "Destroyed"
	default:
		return "Unknown"
	}
}

// States lists all lifecycle states in order.
func States() []State {
	return []State{Ready, Active, Paused, Destroying, Destroyed}
}

// Object is implemented by every entity the registry owns. Hooks run
// synchronously on the owning instance's scheduler goroutine: BeginPlay once
// on the Ready->Active transition, Tick every frame while Active, EndPlay
// once while Destroying. Hook errors are recovered by the lifecycle manager,
// never propagated to clients.
type Object interface {
	// ObjectID returns the registry-assigned id (0 before insertion).
	ObjectID() int64
	// AssignID is called exactly once by the registry during insertion.
	AssignID(id int64)
	// Kind returns a short type tag ("exchange", "stock", "trader") used in
	// stats and logs.
	Kind() string

	BeginPlay() error
	Tick(delta time.Duration) error
	EndPlay() error
}

// Base provides the id bookkeeping half of Object for embedding.
type Base struct {
	id int64
}

// ObjectID returns the assigned id.
func (b *Base) ObjectID() int64 { return b.id }

// AssignID records the registry-assigned id.
func (b *Base) AssignID(id int64) { b.id = id }
