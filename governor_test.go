package pendleyield

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// governorClock drives a RequestGovernor deterministically: sleeps advance
// the fake clock instead of blocking, and every sleep is recorded.
type governorClock struct {
	current time.Time
	sleeps  []time.Duration
}

func newTestGovernor(window time.Duration, budget int) (*RequestGovernor, *governorClock) {
	clock := &governorClock{current: time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)}
	g := NewRequestGovernor(window, budget)
	g.now = func() time.Time { return clock.current }
	g.sleep = func(d time.Duration) {
		clock.sleeps = append(clock.sleeps, d)
		clock.current = clock.current.Add(d)
	}
	return g, clock
}

func TestGovernor_NoWaitUnderBudget(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)

	g.Acquire(20)
	g.Acquire(20)
	g.Acquire(20)

	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 60, g.Used())
}

func TestGovernor_WaitsMinimumForRoom(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)

	g.Acquire(60) // t=0
	clock.current = clock.current.Add(10 * time.Second)
	g.Acquire(40) // t=10s, budget now full

	// t=20s: cost 20 needs the t=0 entry (60 CU) to expire, which happens at
	// t=60s. Minimum wait is exactly 40s.
	clock.current = clock.current.Add(10 * time.Second)
	g.Acquire(20)

	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 40*time.Second, clock.sleeps[0])
	// After the wait only the t=10s entry (40) plus the new 20 remain.
	assert.Equal(t, 60, g.Used())
}

func TestGovernor_NeverUnderWaits(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)

	g.Acquire(50)
	clock.current = clock.current.Add(30 * time.Second)
	g.Acquire(50)

	// Needs both room for 50: the first entry frees enough, at t=60s.
	clock.current = clock.current.Add(time.Second) // t=31s
	g.Acquire(50)

	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, 29*time.Second, clock.sleeps[0])

	// Budget is respected at every point: 50 (t=30) + 50 (t=60) = 100.
	assert.Equal(t, 100, g.Used())
}

func TestGovernor_ExpiredUsageIsFree(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)

	g.Acquire(100)
	clock.current = clock.current.Add(61 * time.Second)
	g.Acquire(100)

	assert.Empty(t, clock.sleeps)
	assert.Equal(t, 100, g.Used())
}

func TestGovernor_OversizedCostAdmittedAlone(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)

	g.Acquire(30)
	// A cost above the whole budget waits for the window to drain, then runs.
	g.Acquire(150)

	require.Len(t, clock.sleeps, 1)
	assert.Equal(t, time.Minute, clock.sleeps[0])
	assert.Equal(t, 150, g.Used())
}

func TestGovernor_ZeroOrNegativeCostIsFree(t *testing.T) {
	g, clock := newTestGovernor(time.Minute, 100)
	g.Acquire(0)
	g.Acquire(-5)
	assert.Empty(t, clock.sleeps)
	assert.Zero(t, g.Used())
}

func TestGovernor_DefaultsApplied(t *testing.T) {
	g := NewRequestGovernor(0, 0)
	assert.Equal(t, DefaultGovernorWindow, g.window)
	assert.Equal(t, DefaultGovernorBudget, g.budget)
}
