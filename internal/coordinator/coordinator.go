// Package coordinator wires the engine's components together and runs
// them as one process: state manager, router, protocol engine, quality
// gates, task manager and agent pool, plus the HTTP health and metrics
// surface. cmd/coordinator is a thin shell around this package.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/gate"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/pool"
	"github.com/dyluth/warren/internal/protocol"
	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/router"
	"github.com/dyluth/warren/internal/runner"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/internal/task"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/google/uuid"
)

// Submission is the payload of a task-submit message. The submitter
// generates TaskID so it can report the id without waiting for a reply;
// SessionID is optional and defaults to the coordinator's session.
type Submission struct {
	TaskID       string            `json:"task_id"`
	SessionID    string            `json:"session_id,omitempty"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Priority     int               `json:"priority"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Coordinator owns the wired engine components for one instance.
type Coordinator struct {
	cfg    *config.Config
	store  *state.Store
	state  *state.Manager
	engine *protocol.Engine
	router *router.Router
	gates  *gate.Manager
	tasks  *task.Manager
	pool   *pool.Pool
	health *HealthServer

	sessionID    string
	instanceName string
}

// New wires all components against the given store and runner. Bootstrap
// must run before Run.
func New(cfg *config.Config, store *state.Store, run runner.Runner, healthAddr string) (*Coordinator, error) {
	instanceName := store.InstanceName()
	m := metrics.New(instanceName)
	stateMgr := state.NewManager(store)

	reg := registry.New()
	rtr := router.New(store, reg, cfg.Router, m)
	if err := reg.Register(registry.ComponentRouter, rtr); err != nil {
		return nil, err
	}
	engine := protocol.New(store, reg)
	if err := reg.Register(registry.ComponentProtocol, engine); err != nil {
		return nil, err
	}

	gates, err := gate.NewManager(cfg.Gates, m, instanceName)
	if err != nil {
		return nil, fmt.Errorf("invalid gate configuration: %w", err)
	}
	if err := reg.Register(registry.ComponentGates, gates); err != nil {
		return nil, err
	}

	tasks := task.NewManager(stateMgr, engine, gates, m, cfg.DefaultGate, instanceName)
	if err := reg.Register(registry.ComponentTasks, tasks); err != nil {
		return nil, err
	}
	if err := tasks.RegisterHandlers(); err != nil {
		return nil, err
	}

	p := pool.New(cfg.Pool, cfg.Runner, run, store, reg, engine, tasks, m, instanceName)
	if err := reg.Register(registry.ComponentPool, p); err != nil {
		return nil, err
	}
	tasks.SetCanceller(p.CancelTask)

	c := &Coordinator{
		cfg:          cfg,
		store:        store,
		state:        stateMgr,
		engine:       engine,
		router:       rtr,
		gates:        gates,
		tasks:        tasks,
		pool:         p,
		instanceName: instanceName,
	}
	if err := engine.RegisterHandler(wire.TypeTaskSubmit, c.handleSubmit); err != nil {
		return nil, err
	}
	c.health = NewHealthServer(store, m, p, healthAddr)
	return c, nil
}

// Pool returns the wired agent pool.
func (c *Coordinator) Pool() *pool.Pool {
	return c.pool
}

// SessionID returns the session submissions default into. Valid after
// Bootstrap.
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Bootstrap recovers persisted state and establishes the working session.
// Tasks that were in flight when the previous process died cannot resume
// (their agents died with it), so they are settled as failed; queued ones
// that never started are cancelled.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	snapshot, err := c.state.Recover(ctx)
	if err != nil {
		return fmt.Errorf("state recovery failed: %w", err)
	}

	for _, record := range snapshot.InFlightTasks {
		if record.Status == state.TaskPending {
			if _, err := c.tasks.Cancel(ctx, record.ID); err != nil {
				log.Printf("[Coordinator] Failed to cancel recovered task %s: %v", record.ID, err)
			}
			continue
		}
		if _, err := c.tasks.Fail(ctx, record.ID, "interrupted by coordinator restart"); err != nil {
			log.Printf("[Coordinator] Failed to settle recovered task %s: %v", record.ID, err)
		}
	}

	var newest *state.SessionState
	for _, sess := range snapshot.ActiveSessions {
		if newest == nil || sess.LastTouchedMs > newest.LastTouchedMs {
			newest = sess
		}
	}
	if newest != nil {
		c.sessionID = newest.ID
	} else {
		sess, err := c.state.CreateSession(ctx)
		if err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		c.sessionID = sess.ID
	}

	c.logEvent("coordinator_bootstrapped", map[string]interface{}{
		"session_id":      c.sessionID,
		"active_sessions": len(snapshot.ActiveSessions),
		"settled_tasks":   len(snapshot.InFlightTasks),
	})
	return nil
}

// Run serves until ctx is cancelled, then drains the pool. The protocol
// engine and pool run concurrently; the first hard failure of either
// stops the coordinator.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.health.Start(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- c.engine.Run(runCtx) }()
	go func() { errCh <- c.pool.Run(runCtx) }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), c.cfg.Pool.DrainGrace()+10*time.Second)
	defer cancelShutdown()

	if err := c.pool.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Coordinator] Pool shutdown error: %v", err)
	}
	if err := c.health.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Coordinator] Health server shutdown error: %v", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// handleSubmit enqueues a task submitted over the wire.
func (c *Coordinator) handleSubmit(ctx context.Context, msg *wire.Message) error {
	var sub Submission
	if err := msg.DecodePayload(&sub); err != nil {
		return fmt.Errorf("malformed submission payload: %w", err)
	}
	if sub.TaskID == "" {
		sub.TaskID = uuid.New().String()
	}
	if sub.Title == "" {
		return fmt.Errorf("submission %s has no title", sub.TaskID)
	}
	if sub.Priority < 0 {
		return fmt.Errorf("submission %s has negative priority %d", sub.TaskID, sub.Priority)
	}
	sessionID := sub.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}

	def := &task.Definition{
		ID:           sub.TaskID,
		Title:        sub.Title,
		Description:  sub.Description,
		Priority:     sub.Priority,
		Dependencies: sub.Dependencies,
		Metadata:     sub.Metadata,
		Revision:     1,
		CreatedAtMs:  time.Now().UnixMilli(),
	}
	if _, err := c.pool.SubmitDefinition(ctx, sessionID, def); err != nil {
		return fmt.Errorf("failed to enqueue submission %s: %w", sub.TaskID, err)
	}

	c.logEvent("submission_accepted", map[string]interface{}{
		"task_id":    sub.TaskID,
		"session_id": sessionID,
		"priority":   sub.Priority,
	})
	return nil
}

func (c *Coordinator) logEvent(eventType string, data map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"level":         "info",
		"component":     "coordinator",
		"event_type":    eventType,
		"instance_name": c.instanceName,
	}
	for k, v := range data {
		entry[k] = v
	}
	if encoded, err := json.Marshal(entry); err == nil {
		log.Println(string(encoded))
	}
}
