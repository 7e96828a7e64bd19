package pool

import (
	"time"

	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
)

// AgentStatus is an agent's position in its lifecycle.
type AgentStatus string

const (
	// StatusCreated means the agent exists but has not been started.
	StatusCreated AgentStatus = "created"

	// StatusIdle means the agent is started and ready for work.
	StatusIdle AgentStatus = "idle"

	// StatusBusy means the agent is executing at least one task.
	StatusBusy AgentStatus = "busy"

	// StatusUnhealthy means the last health check failed.
	StatusUnhealthy AgentStatus = "unhealthy"

	// StatusTerminated means the agent has been removed.
	StatusTerminated AgentStatus = "terminated"
)

// AgentInfo is a point-in-time view of one pooled agent. The pool is the
// sole writer of agent records; callers receive copies.
type AgentInfo struct {
	ID             string         `json:"id"`
	Role           wire.AgentRole `json:"role"`
	Status         AgentStatus    `json:"status"`
	Tags           []string       `json:"tags,omitempty"`
	RunningTasks   int            `json:"running_tasks"`
	LastActivityMs int64          `json:"last_activity_ms"`
}

// agentState is the pool's mutable record for one agent. Guarded by the
// pool mutex.
//
// Local agents speak the runner's stdin/stdout contract, not Redis, so
// the pool subscribes to the agent's message channel on their behalf;
// inbox is that subscription.
type agentState struct {
	info  AgentInfo
	inbox *state.MessageSubscription
}

func (a *agentState) touch() {
	a.info.LastActivityMs = time.Now().UnixMilli()
}

// eligible reports whether the agent can accept load-balanced delivery.
func (a *agentState) eligible(role wire.AgentRole) bool {
	if a.info.Role != role {
		return false
	}
	return a.info.Status == StatusIdle || a.info.Status == StatusBusy
}

// snapshot returns a defensive copy of the agent record.
func (a *agentState) snapshot() AgentInfo {
	info := a.info
	info.Tags = append([]string(nil), a.info.Tags...)
	return info
}
