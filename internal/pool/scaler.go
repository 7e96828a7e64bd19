package pool

import (
	"fmt"
	"time"

	"github.com/dyluth/warren/internal/config"
)

// scaleDecision is the outcome of one control-loop evaluation.
type scaleDecision int

const (
	decisionHold scaleDecision = iota
	decisionScaleUp
	decisionScaleDown
)

// ScaleEvent records one executed scale action.
type ScaleEvent struct {
	Direction string `json:"direction"`
	Reason    string `json:"reason"`
	AtMs      int64  `json:"at_ms"`
}

// scaleEventHistory bounds the retained scale-event log.
const scaleEventHistory = 32

// loadSample is the pool state a scaling decision is computed from.
type loadSample struct {
	queued int
	busy   int
	idle   int
	total  int
}

// load is pending plus active work relative to pool size. An empty pool
// with queued work reads as maximal load so the first agent gets created.
func (s loadSample) load() float64 {
	if s.total == 0 {
		if s.queued > 0 {
			return 1
		}
		return 0
	}
	return float64(s.busy+s.queued) / float64(s.total)
}

// scaler decides when the pool grows or shrinks. Guarded by the pool
// mutex; the now hook is swappable in tests.
type scaler struct {
	cfg config.PoolConfig
	now func() time.Time

	lastAction time.Time
	history    []ScaleEvent
}

func newScaler(cfg config.PoolConfig) *scaler {
	return &scaler{cfg: cfg, now: time.Now}
}

// evaluate returns the action the sample calls for. The cooldown window
// suppresses any action after a recent one to prevent thrash; bounds are
// never crossed in either direction.
func (s *scaler) evaluate(sample loadSample) (scaleDecision, string) {
	if !s.lastAction.IsZero() && s.now().Sub(s.lastAction) < s.cfg.ScaleCooldown() {
		return decisionHold, ""
	}

	load := sample.load()
	if load > s.cfg.ScaleUpThreshold && sample.total < s.cfg.MaxAgents {
		return decisionScaleUp, fmt.Sprintf("load %.2f above threshold %.2f", load, s.cfg.ScaleUpThreshold)
	}
	if load < s.cfg.ScaleDownThreshold && sample.total > s.cfg.MinAgents && sample.idle > 0 {
		return decisionScaleDown, fmt.Sprintf("load %.2f below threshold %.2f", load, s.cfg.ScaleDownThreshold)
	}
	return decisionHold, ""
}

// record logs an executed action and starts the cooldown window.
func (s *scaler) record(direction, reason string) {
	s.lastAction = s.now()
	s.history = append(s.history, ScaleEvent{
		Direction: direction,
		Reason:    reason,
		AtMs:      s.lastAction.UnixMilli(),
	})
	if len(s.history) > scaleEventHistory {
		s.history = s.history[len(s.history)-scaleEventHistory:]
	}
}

// events returns a copy of the retained scale-event log, oldest first.
func (s *scaler) events() []ScaleEvent {
	return append([]ScaleEvent(nil), s.history...)
}
