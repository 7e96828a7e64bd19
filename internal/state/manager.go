package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/errs"
	"github.com/google/uuid"
)

// Manager is the sole writer of persisted session and task state. It
// serializes writes internally and enforces optimistic concurrency on
// session updates instead of locking callers out.
type Manager struct {
	store *Store

	// mu serializes all writes: one writer at a time, version checks are
	// race-free without Redis-side transactions.
	mu sync.Mutex

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// NewManager creates a state manager over the given store.
func NewManager(store *Store) *Manager {
	return &Manager{store: store}
}

// Subscribe registers fn to be called on every applied state change.
// Callbacks run synchronously on the writer goroutine and must be quick.
func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

func (m *Manager) notify(ctx context.Context, ev Event) {
	if err := m.store.PublishEvent(ctx, ev); err != nil {
		log.Printf("[State] Failed to publish state event: %v", err)
	}

	m.subMu.RLock()
	subs := make([]func(Event), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// CreateSession creates and persists a new active session.
func (m *Manager) CreateSession(ctx context.Context) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	sess := &SessionState{
		ID:            uuid.New().String(),
		Status:        SessionActive,
		OwnedTasks:    []string{},
		CreatedAtMs:   now,
		LastTouchedMs: now,
		Version:       1,
	}

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.notify(ctx, Event{
		Kind:      EventSessionUpdated,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Version:   sess.Version,
		AtMs:      now,
	})

	m.logEvent("session_created", map[string]interface{}{
		"session_id": sess.ID,
	})

	return sess, nil
}

// Read returns the current persisted state for a session.
// Returns errs.ErrNotFound if the session does not exist.
func (m *Manager) Read(ctx context.Context, sessionID string) (*SessionState, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, errs.ErrNotFound)
		}
		return nil, err
	}
	return sess, nil
}

// Apply applies an update computed against a known session version.
//
// If the update's base version does not match the current version, Apply
// rejects it with an errs.StateConflictError and returns the CURRENT state
// alongside the error so the caller can rebase and retry. Persisted state
// is left untouched on conflict.
func (m *Manager) Apply(ctx context.Context, update Update) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, update.SessionID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("session %s: %w", update.SessionID, errs.ErrNotFound)
		}
		return nil, err
	}

	if sess.Version != update.BaseVersion {
		return sess, &errs.StateConflictError{
			SessionID:      update.SessionID,
			BaseVersion:    update.BaseVersion,
			CurrentVersion: sess.Version,
		}
	}

	now := time.Now().UnixMilli()
	if update.Status != "" {
		sess.Status = update.Status
	}
	if len(update.AddTasks) > 0 {
		owned := make(map[string]bool, len(sess.OwnedTasks))
		for _, id := range sess.OwnedTasks {
			owned[id] = true
		}
		for _, id := range update.AddTasks {
			if !owned[id] {
				sess.OwnedTasks = append(sess.OwnedTasks, id)
				owned[id] = true
			}
		}
	}
	sess.LastTouchedMs = now
	sess.Version++

	if err := m.store.PutSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist session update: %w", err)
	}

	m.notify(ctx, Event{
		Kind:      EventSessionUpdated,
		SessionID: sess.ID,
		Status:    string(sess.Status),
		Version:   sess.Version,
		AtMs:      now,
	})

	return sess, nil
}

// WriteTask persists a task record, stamping version, update time and the
// first-entry timestamp for its current status. Task transition legality
// is the task manager's responsibility; this method only records.
func (m *Manager) WriteTask(ctx context.Context, task *TaskRecord) (*TaskRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixMilli()
	if task.CreatedAtMs == 0 {
		task.CreatedAtMs = now
	}
	task.UpdatedAtMs = now
	task.Version++
	if task.TransitionsMs == nil {
		task.TransitionsMs = make(map[string]int64)
	}
	if _, seen := task.TransitionsMs[string(task.Status)]; !seen {
		task.TransitionsMs[string(task.Status)] = now
	}

	if err := m.store.PutTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}

	m.notify(ctx, Event{
		Kind:      EventTaskUpdated,
		SessionID: task.SessionID,
		TaskID:    task.ID,
		Status:    string(task.Status),
		Version:   task.Version,
		AtMs:      now,
	})

	return task, nil
}

// ReadTask returns the persisted record for a task.
// Returns errs.ErrNotFound if the task does not exist.
func (m *Manager) ReadTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	task, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		if IsNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", taskID, errs.ErrNotFound)
		}
		return nil, err
	}
	return task, nil
}

// RecoverySnapshot holds the in-flight state reconstructed on restart.
type RecoverySnapshot struct {
	ActiveSessions []*SessionState
	InFlightTasks  []*TaskRecord
}

// Recover scans Redis for active sessions and non-terminal tasks after a
// process restart. The returned snapshot lets the task manager resume or
// fail in-flight work.
func (m *Manager) Recover(ctx context.Context) (*RecoverySnapshot, error) {
	startTime := time.Now()

	sessions, err := m.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	snapshot := &RecoverySnapshot{}
	for _, sess := range sessions {
		if sess.Status != SessionActive {
			continue
		}
		snapshot.ActiveSessions = append(snapshot.ActiveSessions, sess)

		tasks, err := m.store.TasksBySession(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tasks for session %s: %w", sess.ID, err)
		}
		for _, task := range tasks {
			if !task.Status.Terminal() {
				snapshot.InFlightTasks = append(snapshot.InFlightTasks, task)
			}
		}
	}

	m.logEvent("recovery_complete", map[string]interface{}{
		"active_sessions": len(snapshot.ActiveSessions),
		"in_flight_tasks": len(snapshot.InFlightTasks),
		"duration_ms":     time.Since(startTime).Milliseconds(),
	})

	return snapshot, nil
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "state"
	data["event_type"] = eventType
	data["instance"] = m.store.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[State] Failed to marshal log event: %v", err)
		return
	}

	log.Println(string(jsonData))
}
