// Package loop provides the fixed-frequency driver that advances every live
// runtime object of one market instance. A single scheduler goroutine per
// loop runs all lifecycle hooks synchronously; frame pacing, performance
// measurement, and error containment live here.
package loop

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantsim/marketsim/internal/domain"
	"github.com/quantsim/marketsim/internal/sim/errtrack"
	"github.com/quantsim/marketsim/internal/sim/object"
	"github.com/quantsim/marketsim/internal/sim/registry"
)

// FPS bounds accepted by SetFPS.
const (
	MinFPS = 1
	MaxFPS = 120
)

// Loop drives the registry at a configured target frequency. One logical
// tick: apply scheduled destroys, drain the construction queue, promote
// Ready objects (beginPlay), tick Active objects, clean up Destroying
// objects (endPlay), compact Destroyed ones, then sleep off the remainder of
// the frame budget.
type Loop struct {
	reg     *registry.Registry
	tracker *errtrack.Tracker
	log     zerolog.Logger
	stats   *Stats

	mu             sync.Mutex
	fps            int
	running        bool
	stop           chan struct{}
	stopped        chan struct{}
	pendingDestroy []int64
	constructQueue []func()
}

// New creates a stopped loop at the given target FPS.
func New(reg *registry.Registry, tracker *errtrack.Tracker, fps int, log zerolog.Logger) (*Loop, error) {
	if fps < MinFPS || fps > MaxFPS {
		return nil, domain.NewError(domain.CodeValidation, "fps %d outside [%d, %d]", fps, MinFPS, MaxFPS)
	}
	return &Loop{
		reg:     reg,
		tracker: tracker,
		log:     log.With().Str("component", "loop").Logger(),
		stats:   &Stats{},
		fps:     fps,
	}, nil
}

// Start launches the scheduler goroutine. Starting a running loop fails with
// IllegalState.
func (l *Loop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return domain.NewError(domain.CodeIllegalState, "loop already running")
	}
	l.running = true
	l.stop = make(chan struct{})
	l.stopped = make(chan struct{})
	l.stats.reset()

	go l.run(l.stop, l.stopped)
	l.log.Info().Int("fps", l.fps).Msg("Tick loop started")
	return nil
}

// Stop signals the scheduler goroutine and waits for the current frame to
// complete. Stopping a stopped loop fails with IllegalState.
func (l *Loop) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return domain.NewError(domain.CodeIllegalState, "loop not running")
	}
	stop, stopped := l.stop, l.stopped
	l.running = false
	l.mu.Unlock()

	close(stop)
	<-stopped
	l.log.Info().Int64("frames", l.stats.FrameNumber()).Msg("Tick loop stopped")
	return nil
}

// IsRunning reports whether the scheduler goroutine is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// FPS returns the configured target frequency.
func (l *Loop) FPS() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fps
}

// SetFPS validates and stores a new target frequency. It takes effect at the
// next frame boundary; the current frame completes at the old cadence.
func (l *Loop) SetFPS(fps int) error {
	if fps < MinFPS || fps > MaxFPS {
		return domain.NewError(domain.CodeValidation, "fps %d outside [%d, %d]", fps, MinFPS, MaxFPS)
	}
	l.mu.Lock()
	l.fps = fps
	l.mu.Unlock()
	return nil
}

// Stats exposes the loop's performance counters.
func (l *Loop) Stats() *Stats {
	return l.stats
}

// Snapshot returns the current performance snapshot.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	running, fps := l.running, l.fps
	l.mu.Unlock()
	return Snapshot{
		Running:        running,
		FPS:            fps,
		ActualFPS:      l.stats.ActualFPS(),
		TickDurationMs: l.stats.LastTickMs(),
		FrameNumber:    l.stats.FrameNumber(),
		Overruns:       l.stats.Overruns(),
	}
}

// ScheduleDestroy marks id for a Destroying transition at the next frame
// boundary. Used by the error tracker's threshold callback and by external
// destroy commands while the loop is running.
func (l *Loop) ScheduleDestroy(id int64) {
	l.mu.Lock()
	l.pendingDestroy = append(l.pendingDestroy, id)
	l.mu.Unlock()
}

// RunOnTick enqueues fn to run on the scheduler goroutine at the top of the
// next frame. Worker goroutines use this to hand off entity construction.
func (l *Loop) RunOnTick(fn func()) {
	l.mu.Lock()
	l.constructQueue = append(l.constructQueue, fn)
	l.mu.Unlock()
}

// run is the scheduler goroutine body.
func (l *Loop) run(stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	var lastTickStart time.Time
	for {
		select {
		case <-stop:
			return
		default:
		}

		interval := time.Second / time.Duration(l.FPS())
		tickStart := time.Now()

		// deltaTime is bounded below by the nominal interval so the first
		// tick (and clock-jitter frames) use 1/fps.
		delta := interval
		if !lastTickStart.IsZero() {
			if measured := tickStart.Sub(lastTickStart); measured > interval {
				delta = measured
			}
			l.stats.recordFrameRate(tickStart.Sub(lastTickStart).Seconds())
		}
		lastTickStart = tickStart

		l.tick(delta)

		tickDuration := time.Since(tickStart)
		l.stats.lastTickMs.Store(floatBits(float64(tickDuration) / float64(time.Millisecond)))

		// Frame pacing: sleep off the remainder, or record the overrun.
		if remaining := interval - tickDuration; remaining > 0 {
			select {
			case <-stop:
				return
			case <-time.After(remaining):
			}
		} else {
			l.stats.overruns.Add(1)
		}
	}
}

// tick executes one logical frame.
func (l *Loop) tick(delta time.Duration) {
	l.stats.frameNumber.Add(1)

	// Frame boundary work: scheduled destroys, then queued constructions.
	l.mu.Lock()
	destroys := l.pendingDestroy
	l.pendingDestroy = nil
	constructs := l.constructQueue
	l.constructQueue = nil
	l.mu.Unlock()

	for _, id := range destroys {
		if err := l.reg.Transition(id, object.Destroying); err != nil {
			// Already destroying or gone; nothing to do.
			l.log.Debug().Int64("id", id).Err(err).Msg("Scheduled destroy skipped")
		}
	}
	for _, fn := range constructs {
		fn()
	}

	// Ready -> Active: beginPlay exactly once, then the object ticks this
	// same frame.
	for _, obj := range l.reg.Iterate(object.Ready) {
		if err := l.reg.Transition(obj.ObjectID(), object.Active); err != nil {
			continue
		}
		if err := l.invoke(obj, "beginPlay", obj.BeginPlay); err != nil {
			l.tracker.Record(obj.ObjectID(), "beginPlay")
		}
	}

	// Active objects tick in ascending id order. Objects transitioned away
	// from Active mid-frame (by an earlier hook or an external command) are
	// skipped at dispatch.
	for _, obj := range l.reg.Iterate(object.Active) {
		if state, ok := l.reg.StateOf(obj.ObjectID()); !ok || state != object.Active {
			continue
		}
		if err := l.invoke(obj, "tick", func() error { return obj.Tick(delta) }); err != nil {
			l.tracker.Record(obj.ObjectID(), "tick")
		}
	}

	// Destroying -> Destroyed: endPlay errors are logged but cleanup is
	// best-effort, the transition happens regardless.
	for _, obj := range l.reg.Iterate(object.Destroying) {
		if err := l.invoke(obj, "endPlay", obj.EndPlay); err != nil {
			l.log.Warn().Int64("id", obj.ObjectID()).Err(err).Msg("endPlay failed")
		}
		if err := l.reg.Transition(obj.ObjectID(), object.Destroyed); err != nil {
			l.log.Error().Int64("id", obj.ObjectID()).Err(err).Msg("Destroyed transition rejected")
		}
	}

	// Compact: no observer sees a Destroyed object on the next frame.
	for _, obj := range l.reg.Iterate(object.Destroyed) {
		id := obj.ObjectID()
		if err := l.reg.Remove(id); err == nil {
			l.tracker.Clear(id)
		}
	}
}

// invoke runs a lifecycle hook, converting panics into errors so a
// misbehaving entity cannot kill the scheduler goroutine.
func (l *Loop) invoke(obj object.Object, hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s of %s %d: %v", hook, obj.Kind(), obj.ObjectID(), r)
			l.log.Error().Int64("id", obj.ObjectID()).Str("hook", hook).Msg(err.Error())
		}
	}()
	if err := fn(); err != nil {
		l.log.Debug().Int64("id", obj.ObjectID()).Str("hook", hook).Err(err).Msg("Hook error")
		return err
	}
	return nil
}
