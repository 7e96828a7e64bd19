package pool

import (
	"sort"

	"github.com/dyluth/warren/internal/config"
)

// strategy picks one agent from a non-empty candidate list. Candidates
// are already filtered to matching role, routable status, and the
// caller's exclude set.
type strategy interface {
	pick(candidates []*agentState) *agentState
}

func newStrategy(name string) strategy {
	if name == config.StrategyRoundRobin {
		return &roundRobin{}
	}
	return leastBusy{}
}

// leastBusy picks the agent with the fewest running tasks, preferring
// idle agents, with id order as the tie break so selection is stable.
type leastBusy struct{}

func (leastBusy) pick(candidates []*agentState) *agentState {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.info.RunningTasks < best.info.RunningTasks ||
			(c.info.RunningTasks == best.info.RunningTasks && c.info.ID < best.info.ID) {
			best = c
		}
	}
	return best
}

// roundRobin rotates deterministically through the candidate list sorted
// by agent id. The cursor is guarded by the pool mutex.
type roundRobin struct {
	next uint64
}

func (r *roundRobin) pick(candidates []*agentState) *agentState {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].info.ID < candidates[j].info.ID
	})
	picked := candidates[r.next%uint64(len(candidates))]
	r.next++
	return picked
}
