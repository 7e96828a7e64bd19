package state

import (
	"fmt"

	"github.com/dyluth/warren/pkg/wire"
	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	// SessionActive indicates the session accepts new tasks.
	SessionActive SessionStatus = "active"

	// SessionClosed indicates the session is finished and read-only.
	SessionClosed SessionStatus = "closed"
)

// Validate checks that the status is one of the known lifecycle states.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionActive, SessionClosed:
		return nil
	default:
		return fmt.Errorf("invalid session status: %q", string(s))
	}
}

// TaskStatus is the lifecycle state of a task as persisted in the task
// table. Transitions between these states are owned by the task manager;
// this package only stores them.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskBlocked    TaskStatus = "blocked"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Validate checks that the status is one of the known task states.
func (s TaskStatus) Validate() error {
	switch s {
	case TaskPending, TaskAssigned, TaskInProgress, TaskBlocked,
		TaskCompleted, TaskFailed, TaskCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task status: %q", string(s))
	}
}

// Terminal reports whether the status is final. A terminal task never
// transitions again and holds no agent assignment.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// SessionState is the persisted record for one session.
type SessionState struct {
	ID            string        `json:"id"`
	Status        SessionStatus `json:"status"`
	OwnedTasks    []string      `json:"owned_tasks"`
	CreatedAtMs   int64         `json:"created_at_ms"`
	LastTouchedMs int64         `json:"last_touched_ms"`

	// Version increments on every applied update and is the basis for
	// optimistic-concurrency checks.
	Version int64 `json:"version"`
}

// Validate checks structural invariants before a session is persisted.
func (s *SessionState) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if _, err := uuid.Parse(s.ID); err != nil {
		return fmt.Errorf("session id must be a valid UUID: %w", err)
	}
	if err := s.Status.Validate(); err != nil {
		return err
	}
	if s.Version < 1 {
		return fmt.Errorf("session version must be >= 1, got %d", s.Version)
	}
	return nil
}

// TaskRecord is the persisted row for one task. Together with the session
// table it is sufficient to reconstruct all in-flight state after a crash.
type TaskRecord struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	Status        TaskStatus `json:"status"`
	Progress      float64    `json:"progress"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	Version       int64      `json:"version"`
	CreatedAtMs   int64      `json:"created_at_ms"`
	UpdatedAtMs   int64      `json:"updated_at_ms"`

	// TransitionsMs records when each status was first entered,
	// keyed by status name.
	TransitionsMs map[string]int64 `json:"transitions_ms,omitempty"`

	// Findings carries validator findings when a quality gate rejected
	// the task's output. Only set on failed tasks.
	Findings []string `json:"findings,omitempty"`
}

// Validate checks structural invariants before a task record is persisted.
func (t *TaskRecord) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if t.SessionID == "" {
		return fmt.Errorf("task %s has no session id", t.ID)
	}
	if err := t.Status.Validate(); err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if t.Progress < 0 || t.Progress > 1 {
		return fmt.Errorf("task %s: progress must be in [0,1], got %f", t.ID, t.Progress)
	}
	if t.Status.Terminal() && t.AssignedAgent != "" {
		return fmt.Errorf("task %s: terminal status %s cannot hold an agent assignment", t.ID, t.Status)
	}
	return nil
}

// Update describes a session mutation computed against a known version.
// Zero-valued fields are left unchanged.
type Update struct {
	SessionID   string
	BaseVersion int64

	// Status, when non-empty, replaces the session status.
	Status SessionStatus

	// AddTasks appends task ids to the session's owned set.
	AddTasks []string
}

// EventKind tags a state-change notification.
type EventKind string

const (
	// EventSessionUpdated signals a session hash changed.
	EventSessionUpdated EventKind = "session-updated"

	// EventTaskUpdated signals a task hash changed.
	EventTaskUpdated EventKind = "task-updated"
)

// Event is a state-change notification delivered to subscribers and
// published on the state events channel.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Status    string    `json:"status"`
	Version   int64     `json:"version"`
	AtMs      int64     `json:"at_ms"`
}

// DeadLetter is an undeliverable message retained for operator inspection.
type DeadLetter struct {
	Message  *wire.Message `json:"message"`
	Reason   string        `json:"reason"`
	DeadAtMs int64         `json:"dead_at_ms"`
}
