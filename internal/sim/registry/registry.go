// Package registry provides the typed collection of live runtime objects,
// indexed by id and by lifecycle state. It is the exclusive owner of every
// live object; all other components hold ids and look objects up on demand.
package registry

import (
	"sort"
	"sync"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/ids"
	"github.com/quantsim/marketsim/internal/sim/object"
)

// EventKind classifies registry events.
type EventKind int

const (
	// EventCreated fires after an object is inserted in Ready state.
	EventCreated EventKind = iota
	// EventStateChanged fires after every successful transition.
	EventStateChanged
	// EventRemoved fires after a Destroyed object is removed.
	EventRemoved
)

// String returns a human-readable name for the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "Created"
	case EventStateChanged:
		return "StateChanged"
	case EventRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Event describes one registry mutation.
type Event struct {
	Kind EventKind
	ID   int64
	From object.State
	To   object.State
}

// Subscriber receives registry events synchronously on the mutating
// goroutine. Subscribers must not call back into the registry.
type Subscriber func(Event)

// Registry maps id -> object plus a per-state index. A single scheduler
// goroutine owns all mutations on the hot path; reads may come from other
// goroutines (queries, overview snapshots).
type Registry struct {
	gen *ids.Generator

	mu          sync.RWMutex
	objects     map[int64]object.Object
	states      map[int64]object.State
	byState     map[object.State]map[int64]struct{}
	subscribers []Subscriber
}

// New creates an empty registry drawing ids from gen.
func New(gen *ids.Generator) *Registry {
	r := &Registry{
		gen:     gen,
		objects: make(map[int64]object.Object),
		states:  make(map[int64]object.State),
		byState: make(map[object.State]map[int64]struct{}),
	}
	for _, s := range object.States() {
		r.byState[s] = make(map[int64]struct{})
	}
	return r
}

// Subscribe registers an event subscriber. Not safe to call concurrently
// with mutations; wire subscribers before the loop starts.
func (r *Registry) Subscribe(sub Subscriber) {
	r.subscribers = append(r.subscribers, sub)
}

// Insert places obj in Ready state and assigns it an id, which is returned.
func (r *Registry) Insert(obj object.Object) int64 {
	id := r.gen.Next()
	obj.AssignID(id)

	r.mu.Lock()
	r.objects[id] = obj
	r.states[id] = object.Ready
	r.byState[object.Ready][id] = struct{}{}
	r.mu.Unlock()

	r.emit(Event{Kind: EventCreated, ID: id, To: object.Ready})
	return id
}

// legalTransition reports whether from -> to is an allowed lifecycle move.
func legalTransition(from, to object.State) bool {
	switch {
	case from == object.Ready && to == object.Active:
		return true
	case from == object.Active && to == object.Paused:
		return true
	case from == object.Paused && to == object.Active:
		return true
	case to == object.Destroying && from != object.Destroying && from != object.Destroyed:
		return true
	case from == object.Destroying && to == object.Destroyed:
		return true
	}
	return false
}

// Transition moves the object between state sets. Illegal moves are rejected
// with IllegalTransition; unknown ids with UnknownObject.
func (r *Registry) Transition(id int64, to object.State) error {
	r.mu.Lock()
	from, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewError(domain.CodeUnknownObject, "object %d not registered", id)
	}
	if !legalTransition(from, to) {
		r.mu.Unlock()
		return domain.NewError(domain.CodeIllegalTransition,
			"object %d cannot move %s -> %s", id, from, to)
	}
	delete(r.byState[from], id)
	r.byState[to][id] = struct{}{}
	r.states[id] = to
	r.mu.Unlock()

	r.emit(Event{Kind: EventStateChanged, ID: id, From: from, To: to})
	return nil
}

// Remove deletes a Destroyed object from the id index. Removal from any
// other state is an IllegalTransition.
func (r *Registry) Remove(id int64) error {
	r.mu.Lock()
	state, ok := r.states[id]
	if !ok {
		r.mu.Unlock()
		return domain.NewError(domain.CodeUnknownObject, "object %d not registered", id)
	}
	if state != object.Destroyed {
		r.mu.Unlock()
		return domain.NewError(domain.CodeIllegalTransition,
			"object %d removed while %s, only Destroyed objects are removable", id, state)
	}
	delete(r.objects, id)
	delete(r.states, id)
	delete(r.byState[object.Destroyed], id)
	r.mu.Unlock()

	r.emit(Event{Kind: EventRemoved, ID: id, From: object.Destroyed})
	return nil
}

// Get returns the object for id, if registered.
func (r *Registry) Get(id int64) (object.Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	obj, ok := r.objects[id]
	return obj, ok
}

// StateOf returns the current state of id, if registered.
func (r *Registry) StateOf(id int64) (object.State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.states[id]
	return s, ok
}

// Iterate returns a snapshot of objects in the given state in ascending id
// order (insertion order, since ids are monotonic). The snapshot is safe to
// walk while other goroutines transition objects; concurrent mutations show
// up in the next snapshot only.
func (r *Registry) Iterate(state object.State) []object.Object {
	r.mu.RLock()
	idSet := r.byState[state]
	ordered := make([]int64, 0, len(idSet))
	for id := range idSet {
		ordered = append(ordered, id)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	snapshot := make([]object.Object, 0, len(ordered))
	for _, id := range ordered {
		snapshot = append(snapshot, r.objects[id])
	}
	r.mu.RUnlock()
	return snapshot
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}

// CountsByState returns a snapshot of object counts per state.
func (r *Registry) CountsByState() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.byState))
	for state, idSet := range r.byState {
		counts[state.String()] = len(idSet)
	}
	return counts
}

func (r *Registry) emit(ev Event) {
	for _, sub := range r.subscribers {
		sub(ev)
	}
}
