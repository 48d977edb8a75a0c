// Package lifecycle composes the id generator, error tracker, registry, and
// tick loop into the facade the rest of the system talks to. One Manager
// exists per market instance; its loop goroutine is that instance's
// scheduler thread.
package lifecycle

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/errtrack"
	"github.com/quantsim/marketsim/internal/sim/ids"
	"github.com/quantsim/marketsim/internal/sim/loop"
	"github.com/quantsim/marketsim/internal/sim/object"
	"github.com/quantsim/marketsim/internal/sim/registry"
)

// Factory constructs a runtime object of one kind from opaque args. Factories
// are the only entry point for object construction; direct insertion
// bypassing the manager is not supported.
type Factory func(args any) (object.Object, error)

// Config holds manager construction parameters.
type Config struct {
	FPS                int
	MaxErrorsPerObject int
	Log                zerolog.Logger
}

// SystemOverview is the snapshot returned by Overview.
type SystemOverview struct {
	IsRunning      bool                      `json:"isRunning"`
	FPS            int                       `json:"fps"`
	ActualFPS      float64                   `json:"actualFps"`
	TickDurationMs float64                   `json:"tickDurationMs"`
	FrameNumber    int64                     `json:"frameNumber"`
	TotalObjects   int                       `json:"totalObjects"`
	CountsByState  map[string]int            `json:"countsByState"`
	ErrorCount     int                       `json:"errorCount"`
	Errors         map[int64]errtrack.Record `json:"errors,omitempty"`
}

// Manager is the lifecycle facade for one market instance.
type Manager struct {
	gen       *ids.Generator
	tracker   *errtrack.Tracker
	reg       *registry.Registry
	loop      *loop.Loop
	log       zerolog.Logger
	factories map[string]Factory
}

// NewManager wires a manager with an empty registry and a stopped loop.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxErrorsPerObject < 1 {
		cfg.MaxErrorsPerObject = 3
	}

	m := &Manager{
		gen:       ids.NewGenerator(),
		log:       cfg.Log.With().Str("component", "lifecycle").Logger(),
		factories: make(map[string]Factory),
	}
	m.reg = registry.New(m.gen)
	m.tracker = errtrack.NewTracker(cfg.MaxErrorsPerObject, func(id int64, rec errtrack.Record) {
		m.log.Warn().Int64("id", id).Int("errors", rec.Count).Str("kind", rec.LastKind).
			Msg("Error threshold reached, scheduling destruction")
		m.loop.ScheduleDestroy(id)
	})

	l, err := loop.New(m.reg, m.tracker, cfg.FPS, cfg.Log)
	if err != nil {
		return nil, err
	}
	m.loop = l
	return m, nil
}

// RegisterFactory registers the constructor for one object kind. Wire all
// factories before creating objects.
func (m *Manager) RegisterFactory(kind string, f Factory) {
	m.factories[kind] = f
}

// Registry exposes the registry for read-side lookups. Mutations must go
// through the manager.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

// Loop exposes the underlying tick loop (stats, construction queue).
func (m *Manager) Loop() *loop.Loop {
	return m.loop
}

// Start launches the instance's scheduler goroutine. Strict contract:
// starting a running manager fails with IllegalState.
func (m *Manager) Start() error {
	return m.loop.Start()
}

// Stop halts the scheduler goroutine. Strict contract as with Start.
func (m *Manager) Stop() error {
	return m.loop.Stop()
}

// IsRunning reports whether the scheduler goroutine is active.
func (m *Manager) IsRunning() bool {
	return m.loop.IsRunning()
}

// SetFPS validates and applies a new target frequency at the next frame
// boundary.
func (m *Manager) SetFPS(fps int) error {
	return m.loop.SetFPS(fps)
}

// Create constructs an object of the given kind via its registered factory
// and inserts it into the registry in Ready state. While the loop is
// running, insertion is handed off to the scheduler goroutine through the
// construction queue and Create blocks until the next frame boundary.
func (m *Manager) Create(kind string, args any) (int64, error) {
	f, ok := m.factories[kind]
	if !ok {
		return 0, domain.NewError(domain.CodeValidation, "no factory registered for kind %q", kind)
	}
	obj, err := f(args)
	if err != nil {
		return 0, err
	}

	if !m.loop.IsRunning() {
		return m.reg.Insert(obj), nil
	}

	done := make(chan int64, 1)
	m.loop.RunOnTick(func() {
		done <- m.reg.Insert(obj)
	})
	select {
	case id := <-done:
		return id, nil
	case <-time.After(5 * time.Second):
		// The loop stopped between the check and the handoff.
		return 0, domain.NewError(domain.CodeIllegalState, "construction handoff timed out")
	}
}

// Destroy transitions the object to Destroying; its endPlay runs on the next
// tick. With the loop stopped, cleanup runs inline on the caller.
func (m *Manager) Destroy(id int64) error {
	if _, ok := m.reg.Get(id); !ok {
		return domain.NewError(domain.CodeUnknownObject, "object %d not registered", id)
	}
	if m.loop.IsRunning() {
		m.loop.ScheduleDestroy(id)
		return nil
	}
	return m.destroyInline(id)
}

// destroyInline performs the full Destroying -> Destroyed -> removed path on
// the calling goroutine. Only legal while the loop is stopped.
func (m *Manager) destroyInline(id int64) error {
	if err := m.reg.Transition(id, object.Destroying); err != nil {
		return err
	}
	if obj, ok := m.reg.Get(id); ok {
		if err := obj.EndPlay(); err != nil {
			m.log.Warn().Int64("id", id).Err(err).Msg("endPlay failed")
		}
	}
	if err := m.reg.Transition(id, object.Destroyed); err != nil {
		return err
	}
	if err := m.reg.Remove(id); err != nil {
		return err
	}
	m.tracker.Clear(id)
	return nil
}

// DestroyAll schedules every live object for destruction. Callers awaiting
// completion poll the registry until it reports zero live objects.
func (m *Manager) DestroyAll() {
	running := m.loop.IsRunning()
	for _, state := range []object.State{object.Ready, object.Active, object.Paused} {
		for _, obj := range m.reg.Iterate(state) {
			if running {
				m.loop.ScheduleDestroy(obj.ObjectID())
			} else if err := m.destroyInline(obj.ObjectID()); err != nil {
				m.log.Warn().Int64("id", obj.ObjectID()).Err(err).Msg("Inline destroy failed")
			}
		}
	}
}

// Pause moves an Active object to Paused.
func (m *Manager) Pause(id int64) error {
	return m.reg.Transition(id, object.Paused)
}

// Resume moves a Paused object back to Active.
func (m *Manager) Resume(id int64) error {
	return m.reg.Transition(id, object.Active)
}

// Overview returns the system snapshot: loop state, performance counters,
// object counts by state, and error statistics.
func (m *Manager) Overview() SystemOverview {
	snap := m.loop.Snapshot()
	errs, total := m.tracker.Stats()
	return SystemOverview{
		IsRunning:      snap.Running,
		FPS:            snap.FPS,
		ActualFPS:      snap.ActualFPS,
		TickDurationMs: snap.TickDurationMs,
		FrameNumber:    snap.FrameNumber,
		TotalObjects:   m.reg.Len(),
		CountsByState:  m.reg.CountsByState(),
		ErrorCount:     total,
		Errors:         errs,
	}
}
