package router

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for a single agent.
type BreakerState string

const (
	// BreakerClosed allows traffic; failures are counted.
	BreakerClosed BreakerState = "closed"

	// BreakerOpen excludes the agent until the cooldown elapses.
	BreakerOpen BreakerState = "open"

	// BreakerHalfOpen allows exactly one trial delivery.
	BreakerHalfOpen BreakerState = "half-open"
)

type breaker struct {
	state               BreakerState
	consecutiveFailures int
	openedAt            time.Time
	cooldown            time.Duration
	trialInFlight       bool
}

// BreakerSet tracks per-agent circuit breakers. The router is the sole
// owner of breaker state; other components report outcomes through the
// router. Safe for concurrent use.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker

	failureThreshold int
	baseCooldown     time.Duration
	maxCooldown      time.Duration

	// now is swappable for tests.
	now func() time.Time

	// onOpen is invoked (under the lock) each time a breaker opens.
	onOpen func(agentID string)
}

// NewBreakerSet creates a breaker set. The breaker for an agent opens after
// failureThreshold consecutive failures and stays open for baseCooldown,
// doubling on each reopen up to maxCooldown.
func NewBreakerSet(failureThreshold int, baseCooldown, maxCooldown time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers:         make(map[string]*breaker),
		failureThreshold: failureThreshold,
		baseCooldown:     baseCooldown,
		maxCooldown:      maxCooldown,
		now:              time.Now,
	}
}

func (b *BreakerSet) get(agentID string) *breaker {
	br, exists := b.breakers[agentID]
	if !exists {
		br = &breaker{state: BreakerClosed, cooldown: b.baseCooldown}
		b.breakers[agentID] = br
	}
	return br
}

// Allow reports whether a delivery to agentID may proceed right now.
// An open breaker whose cooldown has elapsed transitions to half-open and
// admits a single trial; further calls are refused until the trial's
// outcome is recorded.
func (b *BreakerSet) Allow(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(agentID)
	switch br.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(br.openedAt) < br.cooldown {
			return false
		}
		br.state = BreakerHalfOpen
		br.trialInFlight = true
		return true
	case BreakerHalfOpen:
		if br.trialInFlight {
			return false
		}
		br.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess records a successful delivery or execution for agentID.
// A half-open trial success closes the breaker and resets its cooldown.
func (b *BreakerSet) RecordSuccess(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(agentID)
	br.consecutiveFailures = 0
	br.trialInFlight = false
	if br.state != BreakerClosed {
		br.state = BreakerClosed
		br.cooldown = b.baseCooldown
	}
}

// RecordFailure records a failed delivery or execution for agentID.
// Reaching the failure threshold opens the breaker; a half-open trial
// failure reopens it with the cooldown doubled, capped at the maximum.
func (b *BreakerSet) RecordFailure(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	br := b.get(agentID)
	br.trialInFlight = false

	switch br.state {
	case BreakerHalfOpen:
		br.cooldown = min(br.cooldown*2, b.maxCooldown)
		b.open(agentID, br)
	case BreakerClosed:
		br.consecutiveFailures++
		if br.consecutiveFailures >= b.failureThreshold {
			b.open(agentID, br)
		}
	case BreakerOpen:
		// Already open; nothing to count.
	}
}

func (b *BreakerSet) open(agentID string, br *breaker) {
	br.state = BreakerOpen
	br.openedAt = b.now()
	br.consecutiveFailures = 0
	if b.onOpen != nil {
		b.onOpen(agentID)
	}
}

// State returns the current state of agentID's breaker.
func (b *BreakerSet) State(agentID string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(agentID).state
}

// Forget discards breaker state for an agent that left the pool.
func (b *BreakerSet) Forget(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.breakers, agentID)
}
