package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/gate"
	"github.com/dyluth/warren/internal/protocol"
	"github.com/dyluth/warren/pkg/wire"
)

// updatePayload is the body of a task-update message from an agent.
// Status is optional: "in_progress" resumes a blocked task, "blocked"
// parks one; absent, only the progress fraction changes.
type updatePayload struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status,omitempty"`
	Progress float64 `json:"progress"`
}

// completePayload is the body of a task-complete message.
type completePayload struct {
	TaskID   string `json:"task_id"`
	Artifact string `json:"artifact"`
}

// failPayload is the body of a task-failed message.
type failPayload struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// cancelPayload is the body of a task-cancel message.
type cancelPayload struct {
	TaskID string `json:"task_id"`
}

// decisionPayload is the body of a human decision message resolving a
// suspended gate evaluation.
type decisionPayload struct {
	CorrelationID string `json:"correlation_id"`
	Approved      bool   `json:"approved"`
	Findings      string `json:"findings,omitempty"`
}

// qualityRequestPayload asks for a standalone gate evaluation of an
// artifact. Nothing in the task lifecycle moves; the verdict comes back
// as a quality-result reply. TaskID is optional context for the gate.
type qualityRequestPayload struct {
	TaskID   string `json:"task_id,omitempty"`
	Gate     string `json:"gate,omitempty"`
	Artifact string `json:"artifact"`
}

// qualityResultPayload reports a gate verdict back to the agent that
// submitted the artifact.
type qualityResultPayload struct {
	TaskID   string   `json:"task_id"`
	Passed   bool     `json:"passed"`
	Score    float64  `json:"score,omitempty"`
	Findings []string `json:"findings,omitempty"`
}

// RegisterHandlers binds the task lifecycle message handlers on the
// manager's engine. All task state transitions flow through these
// handlers (plus Assign on the dispatch path); nothing else mutates task
// status.
func (m *Manager) RegisterHandlers() error {
	handlers := map[wire.MessageType]protocol.Handler{
		wire.TypeTaskUpdate:     m.handleUpdate,
		wire.TypeTaskComplete:   m.handleComplete,
		wire.TypeTaskFailed:     m.handleFailed,
		wire.TypeTaskCancel:     m.handleCancel,
		wire.TypeDecision:       m.handleDecision,
		wire.TypeQualityRequest: m.handleQualityRequest,
	}

	for t, h := range handlers {
		if err := m.engine.RegisterHandler(t, h); err != nil {
			return fmt.Errorf("failed to register %s handler: %w", t, err)
		}
	}
	return nil
}

func (m *Manager) handleUpdate(ctx context.Context, msg *wire.Message) error {
	var payload updatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task-update payload: %w", err)
	}

	switch payload.Status {
	case "blocked":
		_, err := m.Block(ctx, payload.TaskID)
		return err
	case "in_progress":
		record, err := m.state.ReadTask(ctx, payload.TaskID)
		if err != nil {
			return err
		}
		switch record.Status {
		case "assigned":
			if _, err := m.Start(ctx, payload.TaskID); err != nil {
				return err
			}
		case "blocked":
			if _, err := m.Unblock(ctx, payload.TaskID); err != nil {
				return err
			}
		}
	}

	if payload.Progress > 0 {
		if _, err := m.Progress(ctx, payload.TaskID, payload.Progress); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) handleComplete(ctx context.Context, msg *wire.Message) error {
	var payload completePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task-complete payload: %w", err)
	}

	// The gate can suspend on a human decision, and that decision arrives
	// on the same channel this handler was dispatched from. Evaluation
	// runs on its own goroutine so the dispatch loop keeps consuming.
	go m.evaluateCompletion(ctx, msg, payload)
	return nil
}

func (m *Manager) evaluateCompletion(ctx context.Context, msg *wire.Message, payload completePayload) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}

	record, err := m.Complete(ctx, payload.TaskID, payload.Artifact, correlationID)

	var rejection *errs.ValidationFailure
	switch {
	case err == nil:
		m.sendQualityResult(ctx, msg, qualityResultPayload{
			TaskID: payload.TaskID,
			Passed: true,
			Score:  1,
		})

	case errors.As(err, &rejection):
		// The rejection was handled: the task is failed with findings.
		m.sendQualityResult(ctx, msg, qualityResultPayload{
			TaskID:   payload.TaskID,
			Passed:   false,
			Score:    rejection.Score,
			Findings: record.Findings,
		})

	default:
		m.logEvent("completion_rejected", map[string]interface{}{
			"task_id": payload.TaskID,
			"error":   err.Error(),
		})
	}
}

// sendQualityResult reports the gate verdict back to the submitting agent,
// correlated to its completion message.
func (m *Manager) sendQualityResult(ctx context.Context, original *wire.Message, payload qualityResultPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	reply := original.Reply(wire.TypeQualityResult, m.self)
	reply.Payload = body
	if err := m.engine.Send(ctx, reply); err != nil {
		m.logEvent("quality_result_undeliverable", map[string]interface{}{
			"task_id": payload.TaskID,
			"error":   err.Error(),
		})
	}
}

func (m *Manager) handleQualityRequest(ctx context.Context, msg *wire.Message) error {
	var payload qualityRequestPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed quality-request payload: %w", err)
	}

	gateName := payload.Gate
	if gateName == "" {
		gateName = m.defaultGate
	}
	if gateName == "" || m.gates == nil || !m.gates.HasGate(gateName) {
		return fmt.Errorf("quality-request names no configured gate (got %q)", payload.Gate)
	}

	// Same constraint as task-complete: a human validator can suspend
	// waiting for a decision consumed from this channel, so the
	// evaluation leaves the dispatch goroutine.
	go m.evaluateRequest(ctx, msg, gateName, payload)
	return nil
}

func (m *Manager) evaluateRequest(ctx context.Context, msg *wire.Message, gateName string, payload qualityRequestPayload) {
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}

	result, err := m.gates.Evaluate(ctx, gateName, gate.Artifact{
		TaskID:        payload.TaskID,
		CorrelationID: correlationID,
		Content:       payload.Artifact,
	})
	if err != nil {
		m.logEvent("quality_request_failed", map[string]interface{}{
			"gate":  gateName,
			"error": err.Error(),
		})
		return
	}

	m.sendQualityResult(ctx, msg, qualityResultPayload{
		TaskID:   payload.TaskID,
		Passed:   result.Passed,
		Score:    result.Score,
		Findings: result.Findings,
	})
}

func (m *Manager) handleFailed(ctx context.Context, msg *wire.Message) error {
	var payload failPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task-failed payload: %w", err)
	}

	_, err := m.Fail(ctx, payload.TaskID, payload.Reason)
	return err
}

func (m *Manager) handleCancel(ctx context.Context, msg *wire.Message) error {
	var payload cancelPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed task-cancel payload: %w", err)
	}

	m.mu.RLock()
	canceller := m.canceller
	m.mu.RUnlock()

	// Queued and in-flight work is cancelled through the owning pool so
	// the execution actually stops; anything else settles the record only.
	if canceller != nil {
		if err := canceller(ctx, payload.TaskID); err == nil {
			return nil
		} else if !errors.Is(err, errs.ErrNotFound) {
			return err
		}
	}

	_, err := m.Cancel(ctx, payload.TaskID)
	return err
}

func (m *Manager) handleDecision(_ context.Context, msg *wire.Message) error {
	var payload decisionPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("malformed decision payload: %w", err)
	}

	if !m.gates.Resolve(payload.CorrelationID, payload.Approved, payload.Findings) {
		m.logEvent("decision_without_waiter", map[string]interface{}{
			"correlation_id": payload.CorrelationID,
		})
	}
	return nil
}
