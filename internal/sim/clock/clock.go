// Package clock provides the per-exchange simulated wall clock with
// adjustable acceleration.
package clock

import (
	"sync"
	"time"

	"github.com/quantsim/marketsim/internal/domain"
)

// Acceleration bounds accepted by SetAcceleration.
const (
	MinAcceleration = 0.1
	MaxAcceleration = 1000.0
)

// Clock maps real time onto simulated time:
//
//	now = simulatedAnchor + (realNow - wallAnchor) * acceleration
//
// Changing the acceleration re-anchors atomically so now() is continuous.
type Clock struct {
	mu              sync.RWMutex
	wallAnchor      time.Time
	simulatedAnchor time.Time
	acceleration    float64
	realNow         func() time.Time // injectable for tests
}

// New creates a clock anchored at the current real time, with simulated time
// starting at simStart.
func New(simStart time.Time, acceleration float64) (*Clock, error) {
	return newClock(simStart, acceleration, time.Now)
}

// NewWithNow creates a clock with an injected real-time source. Tests only.
func NewWithNow(simStart time.Time, acceleration float64, realNow func() time.Time) (*Clock, error) {
	return newClock(simStart, acceleration, realNow)
}

// NewManual creates a clock whose simulated time moves only through Advance.
// Real elapsed time never contributes, so a paused tick loop freezes the
// clock. The acceleration factor is stored for callers to scale deltas with.
func NewManual(simStart time.Time, acceleration float64) (*Clock, error) {
	anchor := time.Now()
	return newClock(simStart, acceleration, func() time.Time { return anchor })
}

func newClock(simStart time.Time, acceleration float64, realNow func() time.Time) (*Clock, error) {
	if acceleration < MinAcceleration || acceleration > MaxAcceleration {
		return nil, domain.NewError(domain.CodeInvalidAcceleration,
			"acceleration %g outside [%g, %g]", acceleration, MinAcceleration, MaxAcceleration)
	}
	return &Clock{
		wallAnchor:      realNow(),
		simulatedAnchor: simStart,
		acceleration:    acceleration,
		realNow:         realNow,
	}, nil
}

// Now returns the current simulated time.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	elapsed := c.realNow().Sub(c.wallAnchor)
	return c.simulatedAnchor.Add(time.Duration(float64(elapsed) * c.acceleration))
}

// Acceleration returns the current acceleration factor.
func (c *Clock) Acceleration() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acceleration
}

// SetAcceleration changes the acceleration factor, preserving continuity of
// Now(). Values outside [0.1, 1000] are rejected.
func (c *Clock) SetAcceleration(a float64) error {
	if a < MinAcceleration || a > MaxAcceleration {
		return domain.NewError(domain.CodeInvalidAcceleration,
			"acceleration %g outside [%g, %g]", a, MinAcceleration, MaxAcceleration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Re-anchor at the current instant so the new rate applies from here on.
	now := c.realNow()
	elapsed := now.Sub(c.wallAnchor)
	c.simulatedAnchor = c.simulatedAnchor.Add(time.Duration(float64(elapsed) * c.acceleration))
	c.wallAnchor = now
	c.acceleration = a
	return nil
}

// Advance shifts the simulated anchor forward by d simulated time. The tick
// loop uses this to advance exchange time by deltaTime * acceleration
// deterministically per frame.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simulatedAnchor = c.simulatedAnchor.Add(d)
}
