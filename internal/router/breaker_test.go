package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance breaker time without sleeping.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time          { return c.current }
func (c *fakeClock) advance(d time.Duration) { c.current = c.current.Add(d) }

func newTestBreakerSet(threshold int, cooldown, maxCooldown time.Duration) (*BreakerSet, *fakeClock) {
	clock := &fakeClock{current: time.Now()}
	bs := NewBreakerSet(threshold, cooldown, maxCooldown)
	bs.now = clock.now
	return bs, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	bs, _ := newTestBreakerSet(3, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	bs.RecordFailure("agent-1")
	assert.Equal(t, BreakerClosed, bs.State("agent-1"))
	assert.True(t, bs.Allow("agent-1"))

	bs.RecordFailure("agent-1")
	assert.Equal(t, BreakerOpen, bs.State("agent-1"))
	assert.False(t, bs.Allow("agent-1"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	bs, _ := newTestBreakerSet(3, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	bs.RecordFailure("agent-1")
	bs.RecordSuccess("agent-1")
	bs.RecordFailure("agent-1")
	bs.RecordFailure("agent-1")

	assert.Equal(t, BreakerClosed, bs.State("agent-1"))
}

func TestHalfOpenSingleTrial(t *testing.T) {
	bs, clock := newTestBreakerSet(1, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	assert.False(t, bs.Allow("agent-1"))

	clock.advance(31 * time.Second)
	assert.True(t, bs.Allow("agent-1"), "cooldown elapsed admits one trial")
	assert.Equal(t, BreakerHalfOpen, bs.State("agent-1"))
	assert.False(t, bs.Allow("agent-1"), "second delivery refused while trial in flight")
}

func TestHalfOpenTrialSuccessCloses(t *testing.T) {
	bs, clock := newTestBreakerSet(1, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	clock.advance(31 * time.Second)
	assert.True(t, bs.Allow("agent-1"))

	bs.RecordSuccess("agent-1")
	assert.Equal(t, BreakerClosed, bs.State("agent-1"))
	assert.True(t, bs.Allow("agent-1"))

	// Cooldown is back to the base after a successful close.
	bs.RecordFailure("agent-1")
	clock.advance(31 * time.Second)
	assert.True(t, bs.Allow("agent-1"))
}

func TestHalfOpenTrialFailureDoublesCooldown(t *testing.T) {
	bs, clock := newTestBreakerSet(1, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	clock.advance(31 * time.Second)
	assert.True(t, bs.Allow("agent-1"))

	bs.RecordFailure("agent-1")
	assert.Equal(t, BreakerOpen, bs.State("agent-1"))

	// The original cooldown is no longer enough.
	clock.advance(31 * time.Second)
	assert.False(t, bs.Allow("agent-1"))

	clock.advance(30 * time.Second)
	assert.True(t, bs.Allow("agent-1"))
}

func TestCooldownIsCapped(t *testing.T) {
	bs, clock := newTestBreakerSet(1, 40*time.Second, time.Minute)

	bs.RecordFailure("agent-1")
	for i := 0; i < 4; i++ {
		clock.advance(61 * time.Second)
		assert.True(t, bs.Allow("agent-1"))
		bs.RecordFailure("agent-1")
	}

	// Even after repeated reopens the cap bounds the wait.
	clock.advance(61 * time.Second)
	assert.True(t, bs.Allow("agent-1"))
}

func TestBreakersAreIndependent(t *testing.T) {
	bs, _ := newTestBreakerSet(1, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	assert.False(t, bs.Allow("agent-1"))
	assert.True(t, bs.Allow("agent-2"))
}

func TestForget(t *testing.T) {
	bs, _ := newTestBreakerSet(1, 30*time.Second, 5*time.Minute)

	bs.RecordFailure("agent-1")
	assert.False(t, bs.Allow("agent-1"))

	bs.Forget("agent-1")
	assert.True(t, bs.Allow("agent-1"), "a re-created agent starts with a closed breaker")
}

func TestOnOpenCallback(t *testing.T) {
	bs, _ := newTestBreakerSet(2, 30*time.Second, 5*time.Minute)

	var opened []string
	bs.onOpen = func(agentID string) { opened = append(opened, agentID) }

	bs.RecordFailure("agent-1")
	bs.RecordFailure("agent-1")
	assert.Equal(t, []string{"agent-1"}, opened)
}
