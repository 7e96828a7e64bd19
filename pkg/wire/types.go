package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentRole identifies which side of the coordination protocol an agent
// plays. Managers plan and assign work; workers execute it.
type AgentRole string

const (
	// RoleManager is the role that plans and assigns work.
	RoleManager AgentRole = "manager"

	// RoleWorker is the role that executes assigned tasks.
	RoleWorker AgentRole = "worker"
)

// Validate checks that the role is one of the known roles.
func (r AgentRole) Validate() error {
	switch r {
	case RoleManager, RoleWorker:
		return nil
	default:
		return fmt.Errorf("invalid agent role: %q", string(r))
	}
}

// AgentRef addresses a message endpoint. ID may be empty on a recipient,
// which requests load-balanced delivery to any eligible agent of that role.
type AgentRef struct {
	Role AgentRole `json:"role"`
	ID   string    `json:"id,omitempty"`
}

// LoadBalanced reports whether this reference asks the router to pick a
// concrete agent (role set, id empty).
func (a AgentRef) LoadBalanced() bool {
	return a.ID == "" && a.Role != ""
}

// MessageType tags the kind of a message. The set below is closed for
// dispatch purposes, but unknown values are still carried on the wire and
// routed as opaque (see Known).
type MessageType string

const (
	// TypeTaskSubmit asks the coordinator to enqueue a new task. The
	// submitter generates the task id so it can report it without waiting
	// for a round trip.
	TypeTaskSubmit MessageType = "task-submit"

	// TypeTaskAssign assigns a task to an agent.
	TypeTaskAssign MessageType = "task-assign"

	// TypeTaskUpdate reports task progress from an agent.
	TypeTaskUpdate MessageType = "task-update"

	// TypeTaskComplete reports successful task completion.
	TypeTaskComplete MessageType = "task-complete"

	// TypeTaskFailed reports task failure.
	TypeTaskFailed MessageType = "task-failed"

	// TypeTaskCancel requests cooperative cancellation of a running task.
	TypeTaskCancel MessageType = "task-cancel"

	// TypePing is a liveness probe. Ping/pong traffic is not durably logged.
	TypePing MessageType = "ping"

	// TypePong answers a ping.
	TypePong MessageType = "pong"

	// TypeError carries a surfaced error back to the originating sender.
	TypeError MessageType = "error"

	// TypeQualityRequest asks the quality gate manager to evaluate an artifact.
	TypeQualityRequest MessageType = "quality-request"

	// TypeQualityResult carries a quality gate evaluation outcome.
	TypeQualityResult MessageType = "quality-result"

	// TypeDecision carries a human decision for a suspended quality gate.
	TypeDecision MessageType = "decision"
)

// Known reports whether the type is one of the closed dispatch set.
// Unknown types are routed as opaque and logged, never rejected.
func (t MessageType) Known() bool {
	switch t {
	case TypeTaskSubmit, TypeTaskAssign, TypeTaskUpdate, TypeTaskComplete,
		TypeTaskFailed, TypeTaskCancel, TypePing, TypePong, TypeError,
		TypeQualityRequest, TypeQualityResult, TypeDecision:
		return true
	default:
		return false
	}
}

// Control reports whether the type is ping/pong housekeeping traffic,
// which is exempt from the durable outbound log.
func (t MessageType) Control() bool {
	return t == TypePing || t == TypePong
}

// Message is the unit of communication between Warren components.
// See the package documentation for the wire schema.
type Message struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Priority      int             `json:"priority"`
	Sender        AgentRef        `json:"sender"`
	Recipient     AgentRef        `json:"recipient"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TimestampMs   int64           `json:"timestamp"`
	Attempt       int             `json:"attempt"`

	// extra holds unrecognized top-level JSON fields so they survive a
	// round trip through an older peer.
	extra map[string]json.RawMessage
}

// NewMessage creates a message with a fresh UUID and the current timestamp.
func NewMessage(t MessageType, sender, recipient AgentRef) *Message {
	return &Message{
		ID:          uuid.New().String(),
		Type:        t,
		Sender:      sender,
		Recipient:   recipient,
		TimestampMs: time.Now().UnixMilli(),
	}
}

// Reply creates a response message addressed back to the sender of m.
// The reply carries m's correlation id, or m's own id when m did not have
// one, so the response can be matched to the originating request.
func (m *Message) Reply(t MessageType, sender AgentRef) *Message {
	corrID := m.CorrelationID
	if corrID == "" {
		corrID = m.ID
	}
	r := NewMessage(t, sender, m.Sender)
	r.CorrelationID = corrID
	r.Priority = m.Priority
	return r
}

// SetPayload marshals v into the message payload.
func (m *Message) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	m.Payload = data
	return nil
}

// DecodePayload unmarshals the message payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("message %s has no payload", m.ID)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}

// Validate checks structural invariants before a message is accepted for
// sending. Unknown types pass validation; only missing addressing fields
// are rejected.
func (m *Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("message id cannot be empty")
	}
	if _, err := uuid.Parse(m.ID); err != nil {
		return fmt.Errorf("message id must be a valid UUID: %w", err)
	}
	if m.Type == "" {
		return fmt.Errorf("message type cannot be empty")
	}
	if err := m.Sender.Role.Validate(); err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if m.Recipient.Role == "" && m.Recipient.ID == "" {
		return fmt.Errorf("message recipient cannot be empty")
	}
	if m.Recipient.Role != "" {
		if err := m.Recipient.Role.Validate(); err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
	}
	if m.Attempt < 0 {
		return fmt.Errorf("attempt counter cannot be negative, got %d", m.Attempt)
	}
	return nil
}
