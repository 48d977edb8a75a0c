package loop

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/errtrack"
	"github.com/quantsim/marketsim/internal/sim/ids"
	"github.com/quantsim/marketsim/internal/sim/object"
	"github.com/quantsim/marketsim/internal/sim/registry"
)

// tickSpy counts lifecycle hook invocations and can be made to fail its tick.
type tickSpy struct {
	object.Base
	beginPlays atomic.Int64
	ticks      atomic.Int64
	endPlays   atomic.Int64
	tickErr    error
}

func (p *tickSpy) Kind() string { return "tickspy" }

func (p *tickSpy) BeginPlay() error {
	p.beginPlays.Add(1)
	return nil
}

func (p *tickSpy) Tick(delta time.Duration) error {
	p.ticks.Add(1)
	return p.tickErr
}

func (p *tickSpy) EndPlay() error {
	p.endPlays.Add(1)
	return nil
}

type harness struct {
	reg     *registry.Registry
	tracker *errtrack.Tracker
	loop    *Loop
}

func newHarness(t *testing.T, fps, errThreshold int) *harness {
	t.Helper()
	reg := registry.New(ids.NewGenerator())
	var l *Loop
	tracker := errtrack.NewTracker(errThreshold, func(id int64, _ errtrack.Record) {
		l.ScheduleDestroy(id)
	})
	l, err := New(reg, tracker, fps, zerolog.Nop())
	require.NoError(t, err)
	return &harness{reg: reg, tracker: tracker, loop: l}
}

func TestNew_ValidatesFPS(t *testing.T) {
	reg := registry.New(ids.NewGenerator())
	tracker := errtrack.NewTracker(3, nil)

	_, err := New(reg, tracker, 0, zerolog.Nop())
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))

	_, err = New(reg, tracker, 121, zerolog.Nop())
	require.Error(t, err)
}

func TestLoop_StartStopStrictContract(t *testing.T) {
	h := newHarness(t, 60, 3)

	require.NoError(t, h.loop.Start())
	err := h.loop.Start()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeIllegalState))

	require.NoError(t, h.loop.Stop())
	err = h.loop.Stop()
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeIllegalState))
}

func TestLoop_SetFPSValidation(t *testing.T) {
	h := newHarness(t, 30, 3)

	require.NoError(t, h.loop.SetFPS(60))
	assert.Equal(t, 60, h.loop.FPS())

	err := h.loop.SetFPS(121)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeValidation))
	assert.Equal(t, 60, h.loop.FPS())
}

func TestLoop_LifecycleHookOrderAndCounts(t *testing.T) {
	h := newHarness(t, 100, 3)
	p := &tickSpy{}
	id := h.reg.Insert(p)

	require.NoError(t, h.loop.Start())

	// Let it tick for a while, then destroy.
	require.Eventually(t, func() bool { return p.ticks.Load() >= 5 },
		2*time.Second, 5*time.Millisecond)
	h.loop.ScheduleDestroy(id)

	require.Eventually(t, func() bool { return h.reg.Len() == 0 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.loop.Stop())

	assert.Equal(t, int64(1), p.beginPlays.Load(), "beginPlay exactly once")
	assert.Equal(t, int64(1), p.endPlays.Load(), "endPlay exactly once")
	assert.GreaterOrEqual(t, p.ticks.Load(), int64(5))

	// Error counter is reset once the object is gone.
	assert.Equal(t, 0, h.tracker.Count(id))
}

// TestLoop_ErrorThresholdDestroysObject covers the failing-tick scenario: an
// object whose tick always errors is destroyed after reaching the threshold
// and removed from the registry, while the loop keeps running.
func TestLoop_ErrorThresholdDestroysObject(t *testing.T) {
	h := newHarness(t, 100, 3)
	bad := &tickSpy{tickErr: errors.New("boom")}
	good := &tickSpy{}
	h.reg.Insert(bad)
	h.reg.Insert(good)

	require.NoError(t, h.loop.Start())

	require.Eventually(t, func() bool { return h.reg.Len() == 1 },
		2*time.Second, 5*time.Millisecond)

	// The failing object ticked exactly threshold times before destruction.
	assert.Equal(t, int64(3), bad.ticks.Load())
	assert.Equal(t, int64(1), bad.endPlays.Load())

	// The healthy object is unaffected.
	prevTicks := good.ticks.Load()
	require.Eventually(t, func() bool { return good.ticks.Load() > prevTicks },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.loop.Stop())
}

func TestLoop_FrameCounterTracksTargetFPS(t *testing.T) {
	h := newHarness(t, 50, 3)

	require.NoError(t, h.loop.Start())
	time.Sleep(1 * time.Second)
	frames := h.loop.Snapshot().FrameNumber
	require.NoError(t, h.loop.Stop())

	// 50 fps over 1s: allow generous scheduling tolerance.
	assert.InDelta(t, 50, frames, 15)
}

func TestLoop_RunOnTickHandsOffToScheduler(t *testing.T) {
	h := newHarness(t, 100, 3)
	require.NoError(t, h.loop.Start())

	done := make(chan int64, 1)
	h.loop.RunOnTick(func() {
		done <- h.reg.Insert(&tickSpy{})
	})

	select {
	case id := <-done:
		require.Eventually(t, func() bool {
			state, ok := h.reg.StateOf(id)
			return ok && state == object.Active
		}, time.Second, 5*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("construction queue was not drained")
	}

	require.NoError(t, h.loop.Stop())
}

func TestLoop_PausedObjectsAreSkipped(t *testing.T) {
	h := newHarness(t, 100, 3)
	p := &tickSpy{}
	id := h.reg.Insert(p)

	require.NoError(t, h.loop.Start())
	require.Eventually(t, func() bool { return p.ticks.Load() > 0 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, h.reg.Transition(id, object.Paused))
	paused := p.ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, p.ticks.Load(), paused+1, "paused object must not tick")

	require.NoError(t, h.reg.Transition(id, object.Active))
	require.Eventually(t, func() bool { return p.ticks.Load() > paused+1 },
		time.Second, 5*time.Millisecond)

	// Resuming must not re-run beginPlay.
	assert.Equal(t, int64(1), p.beginPlays.Load())

	require.NoError(t, h.loop.Stop())
}
