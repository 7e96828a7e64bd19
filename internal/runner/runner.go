// Package runner is the agent execution interface the engine consumes.
// Agents run outside the engine process; the pool reaches them only
// through a Runner. Two adapters are provided: a subprocess runner that
// speaks a JSON stdin/stdout contract, and a Docker runner that keeps one
// container per agent.
package runner

import (
	"context"
	"fmt"
)

// EventKind tags a result event streamed from an executing task.
type EventKind string

const (
	// EventProgress reports a progress fraction in [0,1].
	EventProgress EventKind = "progress"

	// EventOutput carries an intermediate output chunk.
	EventOutput EventKind = "output"

	// EventCompleted is the final event of a successful execution and
	// carries the result artifact.
	EventCompleted EventKind = "completed"

	// EventFailed is the final event of a failed execution.
	EventFailed EventKind = "failed"
)

// Event is one entry in a task's result stream. The stream ends with
// exactly one terminal event (completed or failed) and the channel is
// closed afterwards.
type Event struct {
	Kind     EventKind `json:"kind"`
	TaskID   string    `json:"task_id"`
	Progress float64   `json:"progress,omitempty"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// AgentSpec describes how to materialize one agent.
type AgentSpec struct {
	// Role is the agent's role tag ("worker" for pool agents).
	Role string

	// Command is the agent tool invocation for the subprocess runner.
	Command []string

	// Image is the container image for the Docker runner.
	Image string

	// Env is extra environment passed to the agent.
	Env []string
}

// Runner is the external agent execution interface.
type Runner interface {
	// CreateAgent materializes an agent and returns its id.
	CreateAgent(ctx context.Context, spec AgentSpec) (string, error)

	// StartAgent makes a created agent ready to execute tasks.
	StartAgent(ctx context.Context, agentID string) error

	// ExecuteTask runs prompt on the agent and returns its result event
	// stream. Cancelling ctx aborts the execution; the stream still ends
	// with a terminal event before closing.
	ExecuteTask(ctx context.Context, agentID, taskID, prompt string) (<-chan Event, error)

	// HealthCheck reports whether the agent can accept work.
	HealthCheck(ctx context.Context, agentID string) (bool, string, error)

	// RemoveAgent tears the agent down and releases its resources.
	RemoveAgent(ctx context.Context, agentID string) error
}

// taskInput is the JSON handed to an agent on stdin for one task.
type taskInput struct {
	TaskID string `json:"task_id"`
	Prompt string `json:"prompt"`
}

func errUnknownAgent(agentID string) error {
	return fmt.Errorf("unknown agent %s", agentID)
}
