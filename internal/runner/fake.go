package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Fake is an in-memory Runner for tests. Executions emit the scripted
// events after an optional delay; cancellation always wins over the
// script.
type Fake struct {
	// Script produces the event stream for one execution. Nil scripts
	// complete immediately with a fixed artifact.
	Script func(agentID, taskID, prompt string) []Event

	// Delay is how long an execution takes before its events are emitted.
	Delay time.Duration

	mu        sync.Mutex
	agents    map[string]bool
	unhealthy map[string]string
	removed   int
}

// NewFake creates a fake runner whose executions succeed immediately.
func NewFake() *Fake {
	return &Fake{
		agents:    make(map[string]bool),
		unhealthy: make(map[string]string),
	}
}

func (f *Fake) CreateAgent(_ context.Context, _ AgentSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New().String()
	f.agents[id] = false
	return id, nil
}

func (f *Fake) StartAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.agents[agentID]; !exists {
		return errUnknownAgent(agentID)
	}
	f.agents[agentID] = true
	return nil
}

func (f *Fake) HealthCheck(_ context.Context, agentID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.agents[agentID]; !exists {
		return false, "", errUnknownAgent(agentID)
	}
	if detail, bad := f.unhealthy[agentID]; bad {
		return false, detail, nil
	}
	return true, "", nil
}

func (f *Fake) RemoveAgent(_ context.Context, agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.agents[agentID]; !exists {
		return errUnknownAgent(agentID)
	}
	delete(f.agents, agentID)
	f.removed++
	return nil
}

func (f *Fake) ExecuteTask(ctx context.Context, agentID, taskID, prompt string) (<-chan Event, error) {
	f.mu.Lock()
	started, exists := f.agents[agentID]
	script := f.Script
	delay := f.Delay
	f.mu.Unlock()

	if !exists {
		return nil, errUnknownAgent(agentID)
	}
	if !started {
		return nil, fmt.Errorf("agent %s has not been started", agentID)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				events <- Event{Kind: EventFailed, TaskID: taskID, Error: "task execution cancelled"}
				return
			}
		}

		if script == nil {
			events <- Event{Kind: EventCompleted, TaskID: taskID, Output: "ok"}
			return
		}
		for _, ev := range script(agentID, taskID, prompt) {
			ev.TaskID = taskID
			events <- ev
		}
	}()
	return events, nil
}

// MarkUnhealthy makes subsequent health checks for agentID fail.
func (f *Fake) MarkUnhealthy(agentID, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy[agentID] = detail
}

// AgentCount returns the number of live agents.
func (f *Fake) AgentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.agents)
}

// RemovedCount returns how many agents have been removed.
func (f *Fake) RemovedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}
