// Package task owns the task lifecycle: assignment, progress, blocking and
// terminal outcomes. Transitions follow a strict state machine, are
// serialized per task id, and are driven by messages consumed through the
// protocol engine rather than direct external mutation. Completion passes
// through the configured quality gate before the task is accepted.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/gate"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/protocol"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
)

// transitions is the legal task state machine. completed is reachable only
// through Complete, which runs the quality gate first.
var transitions = map[state.TaskStatus]map[state.TaskStatus]bool{
	state.TaskPending: {
		state.TaskAssigned:  true,
		state.TaskFailed:    true,
		state.TaskCancelled: true,
	},
	state.TaskAssigned: {
		state.TaskInProgress: true,
		state.TaskFailed:     true,
		state.TaskCancelled:  true,
	},
	state.TaskInProgress: {
		state.TaskBlocked:   true,
		state.TaskCompleted: true,
		state.TaskFailed:    true,
		state.TaskCancelled: true,
	},
	state.TaskBlocked: {
		state.TaskInProgress: true,
		state.TaskFailed:     true,
		state.TaskCancelled:  true,
	},
}

// lockEntry is one task's serialization lock, reference-counted so the map
// does not grow with every task ever seen.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

// lock acquires the lock for key and returns its release func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	entry, exists := k.entries[key]
	if !exists {
		entry = &lockEntry{}
		k.entries[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.entries, key)
		}
		k.mu.Unlock()
	}
}

// Manager owns task definitions and drives the lifecycle state machine.
type Manager struct {
	state       *state.Manager
	engine      *protocol.Engine
	gates       *gate.Manager
	metrics     *metrics.Metrics
	defaultGate string
	self        wire.AgentRef

	locks *keyedMutex

	mu          sync.RWMutex
	definitions map[string]*Definition
	canceller   func(ctx context.Context, taskID string) error

	instanceName string
}

// SetCanceller installs the hook used by wire-level cancels. It lets the
// component that owns the live execution (the pool) stop it and dequeue
// queued work, instead of only flipping the persisted record.
func (m *Manager) SetCanceller(fn func(ctx context.Context, taskID string) error) {
	m.mu.Lock()
	m.canceller = fn
	m.mu.Unlock()
}

// NewManager creates a task manager. defaultGate names the quality gate
// applied to tasks without a metadata override; empty means completion is
// accepted ungated.
func NewManager(st *state.Manager, engine *protocol.Engine, gates *gate.Manager, m *metrics.Metrics, defaultGate, instanceName string) *Manager {
	return &Manager{
		state:        st,
		engine:       engine,
		gates:        gates,
		metrics:      m,
		defaultGate:  defaultGate,
		self:         wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"},
		locks:        newKeyedMutex(),
		definitions:  make(map[string]*Definition),
		instanceName: instanceName,
	}
}

// Create records a new pending task under the given session.
func (m *Manager) Create(ctx context.Context, sessionID string, def *Definition) (*state.TaskRecord, error) {
	unlock := m.locks.lock(def.ID)
	defer unlock()

	// Submissions can be replayed; a duplicate id must not reset an
	// existing record.
	if _, err := m.state.ReadTask(ctx, def.ID); err == nil {
		return nil, fmt.Errorf("task %s already exists", def.ID)
	} else if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	record, err := m.state.WriteTask(ctx, &state.TaskRecord{
		ID:        def.ID,
		SessionID: sessionID,
		Status:    state.TaskPending,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task record: %w", err)
	}

	if err := m.attachToSession(ctx, sessionID, def.ID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.definitions[def.ID] = def
	m.mu.Unlock()

	m.logEvent("task_created", map[string]interface{}{
		"task_id":    def.ID,
		"session_id": sessionID,
		"title":      def.Title,
		"priority":   def.Priority,
	})

	return record, nil
}

// attachToSession adds the task to the session's owned set, rebasing on
// version conflicts until the update lands.
func (m *Manager) attachToSession(ctx context.Context, sessionID, taskID string) error {
	sess, err := m.state.Read(ctx, sessionID)
	if err != nil {
		return err
	}

	for {
		current, err := m.state.Apply(ctx, state.Update{
			SessionID:   sessionID,
			BaseVersion: sess.Version,
			AddTasks:    []string{taskID},
		})
		if err == nil {
			return nil
		}
		if !errs.IsConflict(err) {
			return fmt.Errorf("failed to attach task %s to session: %w", taskID, err)
		}
		// Apply returned the current state alongside the conflict; rebase.
		sess = current
	}
}

// Definition returns the current definition for a task.
func (m *Manager) Definition(taskID string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	def, exists := m.definitions[taskID]
	if !exists {
		return nil, fmt.Errorf("task %s: %w", taskID, errs.ErrNotFound)
	}
	return def, nil
}

// Revise replaces a task's definition with a new revision. Terminal tasks
// cannot be revised.
func (m *Manager) Revise(ctx context.Context, taskID, title, description string, metadata map[string]string) (*Definition, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	record, err := m.state.ReadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("cannot revise task %s in terminal status %s", taskID, record.Status)
	}

	def, err := m.Definition(taskID)
	if err != nil {
		return nil, err
	}

	next := def.Revise(title, description, metadata)
	m.mu.Lock()
	m.definitions[taskID] = next
	m.mu.Unlock()
	return next, nil
}

// transition applies one legal state-machine step under the task's lock.
func (m *Manager) transition(ctx context.Context, taskID string, to state.TaskStatus, mutate func(*state.TaskRecord)) (*state.TaskRecord, error) {
	unlock := m.locks.lock(taskID)
	defer unlock()

	return m.transitionLocked(ctx, taskID, to, mutate)
}

func (m *Manager) transitionLocked(ctx context.Context, taskID string, to state.TaskStatus, mutate func(*state.TaskRecord)) (*state.TaskRecord, error) {
	record, err := m.state.ReadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	if !transitions[record.Status][to] {
		return nil, fmt.Errorf("illegal task transition %s -> %s for task %s", record.Status, to, taskID)
	}

	record.Status = to
	if to.Terminal() {
		record.AssignedAgent = ""
	}
	if mutate != nil {
		mutate(record)
	}

	updated, err := m.state.WriteTask(ctx, record)
	if err != nil {
		return nil, err
	}

	m.logEvent("task_transitioned", map[string]interface{}{
		"task_id": taskID,
		"status":  string(to),
	})
	return updated, nil
}

// Assign binds a pending task to an agent. A task never holds more than
// one non-terminal assignment; assigning an already-assigned task fails.
func (m *Manager) Assign(ctx context.Context, taskID, agentID string) (*state.TaskRecord, error) {
	if agentID == "" {
		return nil, fmt.Errorf("cannot assign task %s to an empty agent id", taskID)
	}

	return m.transition(ctx, taskID, state.TaskAssigned, func(record *state.TaskRecord) {
		record.AssignedAgent = agentID
	})
}

// Start moves an assigned task to in_progress.
func (m *Manager) Start(ctx context.Context, taskID string) (*state.TaskRecord, error) {
	return m.transition(ctx, taskID, state.TaskInProgress, nil)
}

// Progress records execution progress on an in_progress task.
func (m *Manager) Progress(ctx context.Context, taskID string, progress float64) (*state.TaskRecord, error) {
	if progress < 0 || progress > 1 {
		return nil, fmt.Errorf("progress must be in [0,1], got %f", progress)
	}

	unlock := m.locks.lock(taskID)
	defer unlock()

	record, err := m.state.ReadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if record.Status != state.TaskInProgress {
		return nil, fmt.Errorf("cannot record progress on task %s in status %s", taskID, record.Status)
	}

	record.Progress = progress
	return m.state.WriteTask(ctx, record)
}

// Block parks an in_progress task on an unmet dependency.
func (m *Manager) Block(ctx context.Context, taskID string) (*state.TaskRecord, error) {
	return m.transition(ctx, taskID, state.TaskBlocked, nil)
}

// Unblock resumes a blocked task.
func (m *Manager) Unblock(ctx context.Context, taskID string) (*state.TaskRecord, error) {
	return m.transition(ctx, taskID, state.TaskInProgress, nil)
}

// Complete runs the task's quality gate over the artifact and, on
// acceptance, marks the task completed. A gate rejection transitions the
// task to failed with the validator findings attached and returns an
// errs.ValidationFailure; a rejected task is never reported completed.
func (m *Manager) Complete(ctx context.Context, taskID, artifact, correlationID string) (*state.TaskRecord, error) {
	unlock := m.locks.lock(taskID)
	record, err := m.state.ReadTask(ctx, taskID)
	unlock()
	if err != nil {
		return nil, err
	}
	if record.Status != state.TaskInProgress {
		return nil, fmt.Errorf("cannot complete task %s in status %s", taskID, record.Status)
	}

	// The gate runs outside the per-task lock: a human validator can
	// suspend for the whole decision timeout, and holding the lock that
	// long would block wire cancels of the same task. A task cancelled
	// during the wait is caught by the transition below.
	gateName := m.gateFor(taskID)
	if gateName != "" {
		result, err := m.gates.Evaluate(ctx, gateName, gate.Artifact{
			TaskID:        taskID,
			CorrelationID: correlationID,
			Content:       artifact,
		})
		if err != nil {
			return nil, fmt.Errorf("gate evaluation failed for task %s: %w", taskID, err)
		}

		if !result.Passed {
			failed, terr := m.transition(ctx, taskID, state.TaskFailed, func(r *state.TaskRecord) {
				r.Findings = result.Findings
			})
			if terr != nil {
				return nil, terr
			}
			m.metrics.TasksFailed.Inc()
			return failed, &errs.ValidationFailure{
				Gate:     gateName,
				Score:    result.Score,
				Findings: result.Findings,
			}
		}
	}

	completed, err := m.transition(ctx, taskID, state.TaskCompleted, func(r *state.TaskRecord) {
		r.Progress = 1
	})
	if err != nil {
		return nil, err
	}

	m.metrics.TasksCompleted.Inc()
	m.metrics.TaskDuration.Observe(float64(completed.UpdatedAtMs-completed.CreatedAtMs) / 1000)
	return completed, nil
}

// Fail marks a task failed with the given reason.
func (m *Manager) Fail(ctx context.Context, taskID, reason string) (*state.TaskRecord, error) {
	record, err := m.transition(ctx, taskID, state.TaskFailed, func(r *state.TaskRecord) {
		if reason != "" {
			r.Findings = []string{reason}
		}
	})
	if err != nil {
		return nil, err
	}
	m.metrics.TasksFailed.Inc()
	return record, nil
}

// Cancel cancels a non-terminal task.
func (m *Manager) Cancel(ctx context.Context, taskID string) (*state.TaskRecord, error) {
	record, err := m.transition(ctx, taskID, state.TaskCancelled, nil)
	if err != nil {
		return nil, err
	}
	m.metrics.TasksFailed.Inc()
	return record, nil
}

// gateFor picks the quality gate guarding taskID's completion.
func (m *Manager) gateFor(taskID string) string {
	if m.gates == nil {
		return ""
	}

	name := m.defaultGate
	if def, err := m.Definition(taskID); err == nil {
		if override := def.GateName(); override != "" {
			name = override
		}
	}
	if name == "" || !m.gates.HasGate(name) {
		return ""
	}
	return name
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "task"
	data["event_type"] = eventType
	data["instance_name"] = m.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Task] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}
