package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/ids"
	"github.com/quantsim/marketsim/internal/sim/object"
)

// stubObject is a minimal lifecycle object for registry tests.
type stubObject struct {
	object.Base
	kind string
}

func (s *stubObject) Kind() string                  { return s.kind }
func (s *stubObject) BeginPlay() error              { return nil }
func (s *stubObject) Tick(delta time.Duration) error { return nil }
func (s *stubObject) EndPlay() error                { return nil }

func newRegistry() *Registry {
	return New(ids.NewGenerator())
}

func TestRegistry_InsertAssignsMonotonicIDs(t *testing.T) {
	reg := newRegistry()

	a := &stubObject{kind: "stock"}
	b := &stubObject{kind: "trader"}

	idA := reg.Insert(a)
	idB := reg.Insert(b)

	assert.Equal(t, int64(1), idA)
	assert.Equal(t, int64(2), idB)
	assert.Equal(t, idA, a.ObjectID())

	state, ok := reg.StateOf(idA)
	require.True(t, ok)
	assert.Equal(t, object.Ready, state)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_TransitionLegality(t *testing.T) {
	testCases := []struct {
		name string
		path []object.State
		ok   bool
	}{
		{"ready to active", []object.State{object.Active}, true},
		{"active to paused and back", []object.State{object.Active, object.Paused, object.Active}, true},
		{"ready to destroying", []object.State{object.Destroying}, true},
		{"paused to destroying", []object.State{object.Active, object.Paused, object.Destroying}, true},
		{"full lifecycle", []object.State{object.Active, object.Destroying, object.Destroyed}, true},
		{"ready to paused", []object.State{object.Paused}, false},
		{"ready to destroyed", []object.State{object.Destroyed}, false},
		{"destroyed is terminal", []object.State{object.Destroying, object.Destroyed, object.Active}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newRegistry()
			id := reg.Insert(&stubObject{kind: "stock"})

			var err error
			for _, to := range tc.path {
				err = reg.Transition(id, to)
				if err != nil {
					break
				}
			}

			if tc.ok {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, domain.IsCode(err, domain.CodeIllegalTransition))
			}
		})
	}
}

func TestRegistry_TransitionUnknownObject(t *testing.T) {
	reg := newRegistry()
	err := reg.Transition(42, object.Active)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeUnknownObject))
}

func TestRegistry_StateIndexConsistency(t *testing.T) {
	reg := newRegistry()
	for i := 0; i < 10; i++ {
		reg.Insert(&stubObject{kind: "trader"})
	}
	for id := int64(1); id <= 10; id++ {
		require.NoError(t, reg.Transition(id, object.Active))
	}
	require.NoError(t, reg.Transition(3, object.Paused))
	require.NoError(t, reg.Transition(7, object.Destroying))

	// Sum of state-index sizes equals id-index size.
	counts := reg.CountsByState()
	sum := 0
	for _, n := range counts {
		sum += n
	}
	assert.Equal(t, reg.Len(), sum)
	assert.Equal(t, 8, counts["Active"])
	assert.Equal(t, 1, counts["Paused"])
	assert.Equal(t, 1, counts["Destroying"])
}

func TestRegistry_IterateReturnsInsertionOrderSnapshot(t *testing.T) {
	reg := newRegistry()
	for i := 0; i < 5; i++ {
		id := reg.Insert(&stubObject{kind: "stock"})
		require.NoError(t, reg.Transition(id, object.Active))
	}

	snapshot := reg.Iterate(object.Active)
	require.Len(t, snapshot, 5)
	for i, obj := range snapshot {
		assert.Equal(t, int64(i+1), obj.ObjectID())
	}

	// Mutating after the snapshot was taken does not affect it.
	require.NoError(t, reg.Transition(1, object.Destroying))
	assert.Len(t, snapshot, 5)
	assert.Len(t, reg.Iterate(object.Active), 4)
}

func TestRegistry_RemoveOnlyFromDestroyed(t *testing.T) {
	reg := newRegistry()
	id := reg.Insert(&stubObject{kind: "exchange"})

	err := reg.Remove(id)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeIllegalTransition))

	require.NoError(t, reg.Transition(id, object.Destroying))
	require.NoError(t, reg.Transition(id, object.Destroyed))
	require.NoError(t, reg.Remove(id))

	assert.Equal(t, 0, reg.Len())
	_, ok := reg.Get(id)
	assert.False(t, ok)
}

func TestRegistry_EmitsEvents(t *testing.T) {
	reg := newRegistry()

	var events []Event
	reg.Subscribe(func(ev Event) { events = append(events, ev) })

	id := reg.Insert(&stubObject{kind: "stock"})
	require.NoError(t, reg.Transition(id, object.Active))
	require.NoError(t, reg.Transition(id, object.Destroying))
	require.NoError(t, reg.Transition(id, object.Destroyed))
	require.NoError(t, reg.Remove(id))

	require.Len(t, events, 5)
	assert.Equal(t, EventCreated, events[0].Kind)
	assert.Equal(t, EventStateChanged, events[1].Kind)
	assert.Equal(t, object.Ready, events[1].From)
	assert.Equal(t, object.Active, events[1].To)
	assert.Equal(t, EventRemoved, events[4].Kind)
}
