// Package pool owns the elastic set of worker agents, the priority task
// queue, and the auto-scaling control loop. Queued work is dispatched to
// an agent picked by the configured selection strategy, announced with a
// task-assign message, and executed through the runner interface while
// the pool relays streamed result events into the task lifecycle.
//
// The pool is the sole writer of agent records and the queue; a single
// mutex serializes both. It implements the router's Selector so
// load-balanced deliveries use the same selection policy as dispatch.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/protocol"
	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/router"
	"github.com/dyluth/warren/internal/runner"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/internal/task"
	"github.com/dyluth/warren/pkg/wire"
)

// PoolMetrics is a point-in-time snapshot of pool health.
type PoolMetrics struct {
	TotalAgents        int          `json:"total_agents"`
	IdleAgents         int          `json:"idle_agents"`
	BusyAgents         int          `json:"busy_agents"`
	QueueLength        int          `json:"queue_length"`
	WaitingTasks       int          `json:"waiting_tasks,omitempty"`
	AverageTaskSeconds float64      `json:"average_task_seconds"`
	Agents             []AgentInfo  `json:"agents"`
	ScaleEvents        []ScaleEvent `json:"scale_events,omitempty"`
}

// assignPayload is the body of the task-assign message sent to an agent.
type assignPayload struct {
	TaskID   string `json:"task_id"`
	Prompt   string `json:"prompt"`
	Priority int    `json:"priority"`
}

// Pool manages worker agents and dispatches queued tasks to them.
type Pool struct {
	cfg       config.PoolConfig
	runnerCfg config.RunnerConfig
	runner    runner.Runner
	store     *state.Store
	registry  *registry.Registry
	engine    *protocol.Engine
	tasks     *task.Manager
	metrics   *metrics.Metrics
	self      wire.AgentRef

	mu       sync.Mutex
	agents   map[string]*agentState
	queue    *taskQueue
	waiting  map[string]*queuedTask
	strategy strategy
	scaler   *scaler
	inflight map[string]context.CancelFunc
	draining bool

	durTotal time.Duration
	durCount int

	wg     sync.WaitGroup
	notify chan struct{}

	// tick is the control-loop period. Shortened in tests.
	tick time.Duration

	instanceName string
}

// New creates a pool. Run starts the control loop; nothing executes
// before then.
func New(cfg config.PoolConfig, runnerCfg config.RunnerConfig, r runner.Runner, store *state.Store, reg *registry.Registry, engine *protocol.Engine, tasks *task.Manager, m *metrics.Metrics, instanceName string) *Pool {
	return &Pool{
		cfg:          cfg,
		runnerCfg:    runnerCfg,
		runner:       r,
		store:        store,
		registry:     reg,
		engine:       engine,
		tasks:        tasks,
		metrics:      m,
		self:         wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"},
		agents:       make(map[string]*agentState),
		queue:        newTaskQueue(cfg.MaxQueueSize),
		waiting:      make(map[string]*queuedTask),
		strategy:     newStrategy(cfg.Strategy),
		scaler:       newScaler(cfg),
		inflight:     make(map[string]context.CancelFunc),
		notify:       make(chan struct{}, 1),
		tick:         time.Second,
		instanceName: instanceName,
	}
}

// SubmitTask creates a task from prompt and enqueues it. Returns the task
// id, errs.ErrShuttingDown while draining, or an errs.CapacityError when
// the queue is full. Capacity failures are synchronous; a rejected
// submission leaves no pending task behind.
func (p *Pool) SubmitTask(ctx context.Context, sessionID, prompt string, priority int) (string, error) {
	def, err := task.NewDefinition(taskTitle(prompt), prompt, priority, nil, nil)
	if err != nil {
		return "", err
	}
	return p.submit(ctx, sessionID, def)
}

// SubmitDefinition enqueues a caller-built definition, preserving its
// metadata (including any quality-gate override).
func (p *Pool) SubmitDefinition(ctx context.Context, sessionID string, def *task.Definition) (string, error) {
	return p.submit(ctx, sessionID, def)
}

func (p *Pool) submit(ctx context.Context, sessionID string, def *task.Definition) (string, error) {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return "", errs.ErrShuttingDown
	}
	if p.queue.len()+len(p.waiting) >= p.cfg.MaxQueueSize {
		p.mu.Unlock()
		return "", &errs.CapacityError{Resource: "task queue", Limit: p.cfg.MaxQueueSize}
	}
	p.mu.Unlock()

	unmet, err := p.checkDependencies(ctx, def)
	if err != nil {
		return "", err
	}

	if _, err := p.tasks.Create(ctx, sessionID, def); err != nil {
		return "", err
	}

	qt := &queuedTask{
		taskID:       def.ID,
		prompt:       def.Description,
		priority:     def.Priority,
		deps:         def.Dependencies,
		enqueuedAtMs: time.Now().UnixMilli(),
	}

	p.mu.Lock()
	if len(unmet) > 0 {
		p.waiting[def.ID] = qt
		p.updateGaugesLocked()
		p.mu.Unlock()
		p.logEvent("task_waiting_on_dependencies", map[string]interface{}{
			"task_id":      def.ID,
			"dependencies": unmet,
		})
		return def.ID, nil
	}
	err = p.queue.push(qt)
	p.updateGaugesLocked()
	p.mu.Unlock()
	if err != nil {
		// Lost the capacity race after the record was created; undo it.
		if _, cancelErr := p.tasks.Cancel(ctx, def.ID); cancelErr != nil {
			log.Printf("[Pool] Failed to cancel task %s after full queue: %v", def.ID, cancelErr)
		}
		return "", err
	}

	p.logEvent("task_submitted", map[string]interface{}{
		"task_id":  def.ID,
		"priority": def.Priority,
	})
	p.wake()
	return def.ID, nil
}

// checkDependencies validates def's dependencies and returns the ones not
// yet completed. Unknown and already-settled-unsuccessful dependencies
// reject the submission outright.
func (p *Pool) checkDependencies(ctx context.Context, def *task.Definition) ([]string, error) {
	var unmet []string
	for _, dep := range def.Dependencies {
		if dep == def.ID {
			return nil, fmt.Errorf("task %s cannot depend on itself", def.ID)
		}
		record, err := p.store.GetTask(ctx, dep)
		if err != nil {
			if state.IsNotFound(err) {
				return nil, fmt.Errorf("unknown dependency %s: %w", dep, errs.ErrNotFound)
			}
			return nil, fmt.Errorf("failed to read dependency %s: %w", dep, err)
		}
		switch {
		case record.Status == state.TaskCompleted:
		case record.Status.Terminal():
			return nil, fmt.Errorf("dependency %s already %s", dep, record.Status)
		default:
			unmet = append(unmet, dep)
		}
	}
	return unmet, nil
}

// releaseReady moves waiting tasks whose dependencies have all completed
// onto the dispatch queue, and fails tasks whose dependencies settled
// without completing. Dependency state lives in Redis, so the check runs
// without the pool lock.
func (p *Pool) releaseReady(ctx context.Context) {
	p.mu.Lock()
	if len(p.waiting) == 0 {
		p.mu.Unlock()
		return
	}
	pending := make([]*queuedTask, 0, len(p.waiting))
	for _, qt := range p.waiting {
		pending = append(pending, qt)
	}
	p.mu.Unlock()

	for _, qt := range pending {
		ready := true
		var failedDep string
		var failedStatus state.TaskStatus
		for _, dep := range qt.deps {
			record, err := p.store.GetTask(ctx, dep)
			if err != nil {
				ready = false
				break
			}
			switch {
			case record.Status == state.TaskCompleted:
			case record.Status.Terminal():
				failedDep = dep
				failedStatus = record.Status
			default:
				ready = false
			}
		}
		if failedDep == "" && !ready {
			continue
		}

		p.mu.Lock()
		if _, held := p.waiting[qt.taskID]; !held {
			// Cancelled while the check ran.
			p.mu.Unlock()
			continue
		}
		if failedDep != "" {
			delete(p.waiting, qt.taskID)
			p.updateGaugesLocked()
			p.mu.Unlock()
			p.failTask(ctx, qt.taskID, fmt.Sprintf("dependency %s %s", failedDep, failedStatus))
			continue
		}
		err := p.queue.push(qt)
		if err == nil {
			delete(p.waiting, qt.taskID)
		}
		p.updateGaugesLocked()
		p.mu.Unlock()
		// A full queue keeps the task waiting; retried next tick.
	}
}

// SelectAgent implements the router's selection policy: pick a routable
// agent of the role, honoring the exclude set.
func (p *Pool) SelectAgent(role wire.AgentRole, exclude map[string]bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selectLocked(role, exclude)
}

func (p *Pool) selectLocked(role wire.AgentRole, exclude map[string]bool) (string, error) {
	var candidates []*agentState
	for _, a := range p.agents {
		if a.eligible(role) && !exclude[a.info.ID] {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return "", &errs.AgentUnavailableError{Role: string(role), Reason: "no routable agents"}
	}
	return p.strategy.pick(candidates).info.ID, nil
}

// Run provisions min_agents and drives the dispatch and scaling loops
// until ctx is cancelled. Call Shutdown afterwards to drain.
func (p *Pool) Run(ctx context.Context) error {
	if err := p.ensureMinAgents(ctx); err != nil {
		return fmt.Errorf("failed to provision initial agents: %w", err)
	}

	p.logEvent("pool_started", map[string]interface{}{
		"min_agents": p.cfg.MinAgents,
		"max_agents": p.cfg.MaxAgents,
		"strategy":   p.cfg.Strategy,
	})

	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.notify:
			p.dispatch(ctx)
		case <-ticker.C:
			p.healthSweep(ctx)
			p.autoscale(ctx)
			p.dispatch(ctx)
		}
	}
}

// Shutdown drains the pool: stop accepting work, give queued and
// in-flight tasks the drain grace period, cancel whatever remains, then
// tear down the agents. Cleanup runs even when cancellation races a
// normal completion.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.DrainGrace())
	for time.Now().Before(deadline) {
		p.dispatch(ctx)
		p.mu.Lock()
		drained := p.queue.len() == 0 && len(p.inflight) == 0
		p.mu.Unlock()
		if drained {
			break
		}
		select {
		case <-ctx.Done():
			deadline = time.Now()
		case <-time.After(50 * time.Millisecond):
		}
	}

	p.mu.Lock()
	for _, cancel := range p.inflight {
		cancel()
	}
	leftovers := p.queue.drain()
	for id, qt := range p.waiting {
		leftovers = append(leftovers, qt)
		delete(p.waiting, id)
	}
	p.mu.Unlock()
	p.wg.Wait()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, qt := range leftovers {
		if _, err := p.tasks.Cancel(cleanupCtx, qt.taskID); err != nil {
			log.Printf("[Pool] Failed to cancel queued task %s during shutdown: %v", qt.taskID, err)
		}
	}

	p.mu.Lock()
	ids := make([]string, 0, len(p.agents))
	for id, a := range p.agents {
		a.info.Status = StatusTerminated
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.removeAgent(cleanupCtx, id)
	}

	p.logEvent("pool_shutdown", map[string]interface{}{
		"cancelled_queued": len(leftovers),
	})
	return nil
}

// Metrics returns a snapshot of pool health.
func (p *Pool) Metrics() PoolMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := PoolMetrics{
		QueueLength:  p.queue.len(),
		WaitingTasks: len(p.waiting),
		ScaleEvents:  p.scaler.events(),
	}
	for _, a := range p.agents {
		m.TotalAgents++
		switch a.info.Status {
		case StatusIdle:
			m.IdleAgents++
		case StatusBusy:
			m.BusyAgents++
		}
		m.Agents = append(m.Agents, a.snapshot())
	}
	if p.durCount > 0 {
		m.AverageTaskSeconds = (p.durTotal / time.Duration(p.durCount)).Seconds()
	}
	return m
}

// dispatch pairs queued tasks with agents until one side runs out. Agents
// with an open circuit are skipped so work is not handed to a destination
// the router would refuse.
func (p *Pool) dispatch(ctx context.Context) {
	rtr, err := registry.Resolve[*router.Router](p.registry, registry.ComponentRouter)
	if err != nil {
		log.Printf("[Pool] Router unavailable, dispatch skipped: %v", err)
		return
	}

	p.releaseReady(ctx)

	for {
		p.mu.Lock()
		if p.queue.len() == 0 {
			p.mu.Unlock()
			return
		}

		// Dispatch wants a free agent; backlog is the scaler's problem,
		// not an invitation to stack tasks on a busy agent.
		exclude := make(map[string]bool)
		var agentID string
		for {
			id, err := p.selectLocked(wire.RoleWorker, exclude)
			if err != nil {
				p.mu.Unlock()
				return
			}
			if p.agents[id].info.RunningTasks == 0 && rtr.BreakerState(id) != router.BreakerOpen {
				agentID = id
				break
			}
			exclude[id] = true
		}

		qt := p.queue.pop()
		a := p.agents[agentID]
		a.info.RunningTasks++
		a.info.Status = StatusBusy
		a.touch()
		p.updateGaugesLocked()
		p.mu.Unlock()

		p.wg.Add(1)
		go p.execute(ctx, rtr, agentID, qt)
	}
}

// execute runs one dispatched task to a terminal state. The agent is
// returned to idle on every path, including timeout and cancellation.
func (p *Pool) execute(ctx context.Context, rtr *router.Router, agentID string, qt *queuedTask) {
	defer p.wg.Done()
	defer p.releaseAgent(agentID)
	started := time.Now()

	if _, err := p.tasks.Assign(ctx, qt.taskID, agentID); err != nil {
		log.Printf("[Pool] Failed to assign task %s to agent %s: %v", qt.taskID, agentID, err)
		return
	}

	msg := wire.NewMessage(wire.TypeTaskAssign, p.self, wire.AgentRef{Role: wire.RoleWorker, ID: agentID})
	msg.Priority = qt.priority
	if err := msg.SetPayload(assignPayload{TaskID: qt.taskID, Prompt: qt.prompt, Priority: qt.priority}); err != nil {
		p.failTask(ctx, qt.taskID, fmt.Sprintf("failed to encode assignment: %v", err))
		return
	}
	if err := p.engine.Send(ctx, msg); err != nil {
		// The router has already dead-lettered the message and recorded
		// the breaker failure.
		p.failTask(ctx, qt.taskID, fmt.Sprintf("assignment undeliverable: %v", err))
		return
	}

	var taskCtx context.Context
	var cancel context.CancelFunc
	if p.cfg.TaskTimeout() > 0 {
		taskCtx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout())
	} else {
		taskCtx, cancel = context.WithCancel(ctx)
	}
	p.mu.Lock()
	p.inflight[qt.taskID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, qt.taskID)
		p.mu.Unlock()
		cancel()
	}()

	if _, err := p.tasks.Start(ctx, qt.taskID); err != nil {
		p.failTask(ctx, qt.taskID, fmt.Sprintf("failed to start task: %v", err))
		return
	}

	events, err := p.runner.ExecuteTask(taskCtx, agentID, qt.taskID, qt.prompt)
	if err != nil {
		p.failTask(ctx, qt.taskID, fmt.Sprintf("execution failed to start: %v", err))
		rtr.ReportFailure(agentID)
		return
	}

	var output strings.Builder
	var terminal *runner.Event
	for ev := range events {
		switch ev.Kind {
		case runner.EventProgress:
			if _, err := p.tasks.Progress(ctx, qt.taskID, ev.Progress); err != nil {
				log.Printf("[Pool] Failed to record progress for task %s: %v", qt.taskID, err)
			}
		case runner.EventOutput:
			if output.Len() > 0 {
				output.WriteByte('\n')
			}
			output.WriteString(ev.Output)
		case runner.EventCompleted, runner.EventFailed:
			e := ev
			terminal = &e
		}
	}

	// Terminal bookkeeping must land even when ctx was cancelled mid-task.
	cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCleanup()

	switch {
	case terminal != nil && terminal.Kind == runner.EventCompleted:
		artifact := terminal.Output
		if artifact == "" {
			artifact = output.String()
		}
		if _, err := p.tasks.Complete(cleanupCtx, qt.taskID, artifact, msg.ID); err != nil {
			var failure *errs.ValidationFailure
			if !errors.As(err, &failure) {
				log.Printf("[Pool] Failed to complete task %s: %v", qt.taskID, err)
			}
			// A gate rejection already moved the task to failed with its
			// findings attached; the agent itself performed fine.
		}
		rtr.ReportSuccess(agentID)
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		p.failTask(cleanupCtx, qt.taskID, "task timed out")
		rtr.ReportFailure(agentID)
	case errors.Is(taskCtx.Err(), context.Canceled):
		if _, err := p.tasks.Cancel(cleanupCtx, qt.taskID); err != nil {
			log.Printf("[Pool] Failed to cancel task %s: %v", qt.taskID, err)
		}
	case terminal != nil:
		p.failTask(cleanupCtx, qt.taskID, terminal.Error)
		rtr.ReportFailure(agentID)
	default:
		p.failTask(cleanupCtx, qt.taskID, "agent stream ended without a terminal event")
		rtr.ReportFailure(agentID)
	}

	p.mu.Lock()
	p.durTotal += time.Since(started)
	p.durCount++
	p.mu.Unlock()
}

func (p *Pool) failTask(ctx context.Context, taskID, reason string) {
	if _, err := p.tasks.Fail(ctx, taskID, reason); err != nil {
		log.Printf("[Pool] Failed to mark task %s failed: %v", taskID, err)
	}
}

// releaseAgent returns an agent to idle after a task and wakes the
// dispatcher so waiting work can claim it.
func (p *Pool) releaseAgent(agentID string) {
	p.mu.Lock()
	if a, exists := p.agents[agentID]; exists {
		a.info.RunningTasks--
		if a.info.RunningTasks <= 0 {
			a.info.RunningTasks = 0
			if a.info.Status == StatusBusy {
				a.info.Status = StatusIdle
			}
		}
		a.touch()
	}
	p.updateGaugesLocked()
	p.mu.Unlock()
	p.wake()
}

// ensureMinAgents grows the pool up to min_agents.
func (p *Pool) ensureMinAgents(ctx context.Context) error {
	for {
		p.mu.Lock()
		need := len(p.agents) < p.cfg.MinAgents
		p.mu.Unlock()
		if !need {
			return nil
		}
		if _, err := p.addAgent(ctx); err != nil {
			return err
		}
	}
}

// addAgent creates and starts one agent through the runner.
func (p *Pool) addAgent(ctx context.Context) (string, error) {
	p.mu.Lock()
	if len(p.agents) >= p.cfg.MaxAgents {
		p.mu.Unlock()
		return "", &errs.CapacityError{Resource: "agents", Limit: p.cfg.MaxAgents}
	}
	p.mu.Unlock()

	spec := runner.AgentSpec{
		Role:    string(wire.RoleWorker),
		Command: p.runnerCfg.Command,
		Image:   p.runnerCfg.Image,
	}
	id, err := p.runner.CreateAgent(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("failed to create agent: %w", err)
	}
	if err := p.runner.StartAgent(ctx, id); err != nil {
		if removeErr := p.runner.RemoveAgent(ctx, id); removeErr != nil {
			log.Printf("[Pool] Failed to remove unstartable agent %s: %v", id, removeErr)
		}
		return "", fmt.Errorf("failed to start agent %s: %w", id, err)
	}

	// Local agents do not listen on Redis themselves; the pool holds
	// their channel subscription so deliveries addressed to them count a
	// receiver, and serves cancels and pings from it. The subscription
	// outlives ctx and is closed by removeAgent.
	inbox, err := p.store.SubscribeMessages(context.Background(), state.AgentChannel(p.instanceName, id))
	if err != nil {
		if removeErr := p.runner.RemoveAgent(ctx, id); removeErr != nil {
			log.Printf("[Pool] Failed to remove agent %s: %v", id, removeErr)
		}
		return "", fmt.Errorf("failed to subscribe agent channel for %s: %w", id, err)
	}

	p.mu.Lock()
	p.agents[id] = &agentState{
		info: AgentInfo{
			ID:             id,
			Role:           wire.RoleWorker,
			Status:         StatusIdle,
			LastActivityMs: time.Now().UnixMilli(),
		},
		inbox: inbox,
	}
	p.updateGaugesLocked()
	p.mu.Unlock()

	go p.serveInbox(id, inbox)

	p.logEvent("agent_added", map[string]interface{}{
		"agent_id": id,
	})
	return id, nil
}

// serveInbox consumes messages addressed to a local agent. Assignments
// are already relayed through the runner by the dispatching goroutine;
// the inbox handles cancellation and liveness on the agent's behalf.
func (p *Pool) serveInbox(agentID string, inbox *state.MessageSubscription) {
	for msg := range inbox.Messages() {
		switch msg.Type {
		case wire.TypeTaskCancel:
			var payload struct {
				TaskID string `json:"task_id"`
			}
			if err := msg.DecodePayload(&payload); err != nil || payload.TaskID == "" {
				log.Printf("[Pool] Malformed task-cancel for agent %s", agentID)
				continue
			}
			if err := p.CancelTask(context.Background(), payload.TaskID); err != nil {
				log.Printf("[Pool] Failed to cancel task %s: %v", payload.TaskID, err)
			}
		case wire.TypePing:
			pong := msg.Reply(wire.TypePong, wire.AgentRef{Role: wire.RoleWorker, ID: agentID})
			if err := p.engine.Send(context.Background(), pong); err != nil {
				log.Printf("[Pool] Failed to answer ping for agent %s: %v", agentID, err)
			}
		}
	}
}

// CancelTask cancels a task wherever it currently is: a queued task is
// dropped from the queue, an in-flight one has its execution context
// cancelled and is marked cancelled by the executing goroutine.
func (p *Pool) CancelTask(ctx context.Context, taskID string) error {
	p.mu.Lock()
	if cancel, inflight := p.inflight[taskID]; inflight {
		p.mu.Unlock()
		cancel()
		return nil
	}
	removed := p.queue.remove(taskID)
	if removed == nil {
		if _, held := p.waiting[taskID]; held {
			delete(p.waiting, taskID)
			removed = &queuedTask{taskID: taskID}
		}
	}
	if removed != nil {
		p.updateGaugesLocked()
	}
	p.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("task %s is not queued or in flight: %w", taskID, errs.ErrNotFound)
	}
	_, err := p.tasks.Cancel(ctx, taskID)
	return err
}

// removeAgent tears one agent down and clears its breaker history.
func (p *Pool) removeAgent(ctx context.Context, agentID string) {
	p.mu.Lock()
	if a, exists := p.agents[agentID]; exists && a.inbox != nil {
		a.inbox.Close()
	}
	delete(p.agents, agentID)
	p.updateGaugesLocked()
	p.mu.Unlock()

	if err := p.runner.RemoveAgent(ctx, agentID); err != nil {
		log.Printf("[Pool] Failed to remove agent %s: %v", agentID, err)
	}
	if rtr, err := registry.Resolve[*router.Router](p.registry, registry.ComponentRouter); err == nil {
		rtr.ForgetAgent(agentID)
	}

	p.logEvent("agent_removed", map[string]interface{}{
		"agent_id": agentID,
	})
}

// autoscale runs one control-loop step.
func (p *Pool) autoscale(ctx context.Context) {
	p.mu.Lock()
	sample := p.sampleLocked()
	decision, reason := p.scaler.evaluate(sample)
	p.mu.Unlock()

	switch decision {
	case decisionScaleUp:
		id, err := p.addAgent(ctx)
		if err != nil {
			log.Printf("[Pool] Scale up failed: %v", err)
			return
		}
		p.mu.Lock()
		p.scaler.record("up", reason)
		p.mu.Unlock()
		p.metrics.ScaleUps.Inc()
		p.logEvent("scaled_up", map[string]interface{}{
			"agent_id": id,
			"reason":   reason,
		})
		p.wake()

	case decisionScaleDown:
		p.mu.Lock()
		victim := ""
		for id, a := range p.agents {
			if a.info.Status == StatusIdle && a.info.RunningTasks == 0 {
				if victim == "" || id < victim {
					victim = id
				}
			}
		}
		if victim != "" {
			p.agents[victim].info.Status = StatusTerminated
			p.scaler.record("down", reason)
		}
		p.mu.Unlock()
		if victim == "" {
			return
		}
		p.removeAgent(ctx, victim)
		p.metrics.ScaleDowns.Inc()
		p.logEvent("scaled_down", map[string]interface{}{
			"agent_id": victim,
			"reason":   reason,
		})
	}
}

// healthSweep checks idle agents and evicts any that fail, then restores
// min_agents.
func (p *Pool) healthSweep(ctx context.Context) {
	p.mu.Lock()
	var idle []string
	for id, a := range p.agents {
		if a.info.Status == StatusIdle {
			idle = append(idle, id)
		}
	}
	p.mu.Unlock()

	for _, id := range idle {
		healthy, detail, err := p.runner.HealthCheck(ctx, id)
		if err != nil {
			log.Printf("[Pool] Health check errored for agent %s: %v", id, err)
			continue
		}
		if healthy {
			continue
		}
		p.mu.Lock()
		if a, exists := p.agents[id]; exists {
			a.info.Status = StatusUnhealthy
		}
		p.mu.Unlock()
		p.logEvent("agent_unhealthy", map[string]interface{}{
			"agent_id": id,
			"detail":   detail,
		})
		p.removeAgent(ctx, id)
	}

	if err := p.ensureMinAgents(ctx); err != nil {
		log.Printf("[Pool] Failed to restore minimum agents: %v", err)
	}
}

func (p *Pool) sampleLocked() loadSample {
	s := loadSample{queued: p.queue.len()}
	for _, a := range p.agents {
		s.total++
		switch a.info.Status {
		case StatusBusy:
			s.busy++
		case StatusIdle:
			s.idle++
		}
	}
	return s
}

func (p *Pool) updateGaugesLocked() {
	var idle, busy float64
	for _, a := range p.agents {
		switch a.info.Status {
		case StatusIdle:
			idle++
		case StatusBusy:
			busy++
		}
	}
	p.metrics.AgentsTotal.Set(float64(len(p.agents)))
	p.metrics.AgentsIdle.Set(idle)
	p.metrics.AgentsBusy.Set(busy)
	p.metrics.QueueLength.Set(float64(p.queue.len()))
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// taskTitle derives a short title from the first line of a prompt.
func taskTitle(prompt string) string {
	title := prompt
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	title = strings.TrimSpace(title)
	if len(title) > 80 {
		title = title[:80]
	}
	return title
}

func (p *Pool) logEvent(eventType string, data map[string]interface{}) {
	entry := map[string]interface{}{
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"level":         "info",
		"component":     "pool",
		"event_type":    eventType,
		"instance_name": p.instanceName,
	}
	for k, v := range data {
		entry[k] = v
	}
	if encoded, err := json.Marshal(entry); err == nil {
		log.Println(string(encoded))
	}
}
