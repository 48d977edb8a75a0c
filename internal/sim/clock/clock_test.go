package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsim/marketsim/internal/domain"
)

// fakeNow returns a controllable real-time source.
func fakeNow(start time.Time) (func() time.Time, func(time.Duration)) {
	current := start
	now := func() time.Time { return current }
	advance := func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func TestClock_NowScalesWithAcceleration(t *testing.T) {
	realStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	simStart := time.Date(2030, 6, 1, 9, 30, 0, 0, time.UTC)
	now, advance := fakeNow(realStart)

	c, err := NewWithNow(simStart, 10, now)
	require.NoError(t, err)

	advance(1 * time.Second)
	assert.Equal(t, simStart.Add(10*time.Second), c.Now())

	advance(500 * time.Millisecond)
	assert.Equal(t, simStart.Add(15*time.Second), c.Now())
}

func TestClock_SetAccelerationPreservesContinuity(t *testing.T) {
	realStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	simStart := time.Date(2030, 6, 1, 9, 30, 0, 0, time.UTC)
	now, advance := fakeNow(realStart)

	c, err := NewWithNow(simStart, 100, now)
	require.NoError(t, err)

	advance(2 * time.Second) // simulated +200s
	before := c.Now()

	require.NoError(t, c.SetAcceleration(1))
	assert.Equal(t, before, c.Now(), "re-anchoring must not jump simulated time")

	advance(3 * time.Second) // simulated +3s at new rate
	assert.Equal(t, before.Add(3*time.Second), c.Now())
	assert.Equal(t, 1.0, c.Acceleration())
}

func TestClock_RejectsOutOfRangeAcceleration(t *testing.T) {
	simStart := time.Now()

	_, err := New(simStart, 0.05)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidAcceleration))

	_, err = New(simStart, 1001)
	require.Error(t, err)

	c, err := New(simStart, 1)
	require.NoError(t, err)

	err = c.SetAcceleration(0)
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.CodeInvalidAcceleration))

	// In-range boundaries are accepted.
	assert.NoError(t, c.SetAcceleration(0.1))
	assert.NoError(t, c.SetAcceleration(1000))
}

func TestClock_Advance(t *testing.T) {
	realStart := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	simStart := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	now, _ := fakeNow(realStart)

	c, err := NewWithNow(simStart, 1, now)
	require.NoError(t, err)

	c.Advance(90 * time.Second)
	assert.Equal(t, simStart.Add(90*time.Second), c.Now())
}
