// Package errs defines the error taxonomy shared across the coordination
// engine. Components wrap these types at the boundary where an error becomes
// part of the caller-visible contract; callers classify with errors.Is and
// errors.As rather than string matching.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for simple classification.
var (
	// ErrNotFound indicates a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull indicates the task queue is at capacity.
	ErrQueueFull = errors.New("task queue full")

	// ErrMaxAgents indicates the pool is already at max_agents.
	ErrMaxAgents = errors.New("agent pool at maximum size")

	// ErrShuttingDown indicates the engine is draining and rejects new work.
	ErrShuttingDown = errors.New("engine shutting down")
)

// DeliveryError indicates a message could not reach any eligible agent
// after the router exhausted its retries. The message has been dead-lettered.
type DeliveryError struct {
	MessageID     string
	CorrelationID string
	Attempts      int
	Reason        string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed for message %s after %d attempts: %s", e.MessageID, e.Attempts, e.Reason)
}

// AgentUnavailableError indicates no healthy agent of the requested role
// could be selected: either none exist or every candidate's circuit is open.
type AgentUnavailableError struct {
	Role   string
	Reason string
}

func (e *AgentUnavailableError) Error() string {
	return fmt.Sprintf("no available agent for role %q: %s", e.Role, e.Reason)
}

// ValidationFailure indicates a quality gate rejected an artifact.
// Findings carry the per-validator explanations for the rejection.
type ValidationFailure struct {
	Gate     string
	Score    float64
	Findings []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("quality gate %q rejected artifact (score %.2f)", e.Gate, e.Score)
}

// TimeoutError indicates a task execution or human-decision wait exceeded
// its deadline.
type TimeoutError struct {
	Operation string
	Limit     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
}

// StateConflictError indicates an optimistic-concurrency version mismatch.
// CurrentVersion lets the caller rebase and retry.
type StateConflictError struct {
	SessionID      string
	BaseVersion    int64
	CurrentVersion int64
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("state conflict for session %s: update based on version %d, current is %d",
		e.SessionID, e.BaseVersion, e.CurrentVersion)
}

// CapacityError indicates a resource bound was hit at submission time:
// the task queue is full or the pool cannot grow. It is always returned
// synchronously, never discovered later.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for %s (limit %d)", e.Resource, e.Limit)
}

// IsConflict reports whether err is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	var conflict *StateConflictError
	return errors.As(err, &conflict)
}

// IsCapacity reports whether err is a synchronous capacity rejection.
func IsCapacity(err error) bool {
	var capErr *CapacityError
	if errors.As(err, &capErr) {
		return true
	}
	return errors.Is(err, ErrQueueFull) || errors.Is(err, ErrMaxAgents)
}
