package task

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/gate"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/protocol"
	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capturingRouter records everything the engine routes.
type capturingRouter struct {
	mu     sync.Mutex
	routed []*wire.Message
}

func (r *capturingRouter) Route(_ context.Context, msg *wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, msg)
	return nil
}

func (r *capturingRouter) last() *wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.routed) == 0 {
		return nil
	}
	return r.routed[len(r.routed)-1]
}

type fixture struct {
	manager *Manager
	state   *state.Manager
	router  *capturingRouter
	session *state.SessionState
}

func setupTestManager(t *testing.T, defaultGate string, gates ...config.GateConfig) *fixture {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := state.NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	stateMgr := state.NewManager(store)

	reg := registry.New()
	router := &capturingRouter{}
	require.NoError(t, reg.Register(registry.ComponentRouter, router))
	engine := protocol.New(store, reg)

	m := metrics.New("test-instance")
	gateMgr, err := gate.NewManager(gates, m, "test-instance")
	require.NoError(t, err)

	manager := NewManager(stateMgr, engine, gateMgr, m, defaultGate, "test-instance")

	session, err := stateMgr.CreateSession(context.Background())
	require.NoError(t, err)

	return &fixture{manager: manager, state: stateMgr, router: router, session: session}
}

func (f *fixture) createTask(t *testing.T, priority int, metadata map[string]string) *Definition {
	t.Helper()
	def, err := NewDefinition("write report", "summarize findings", priority, nil, metadata)
	require.NoError(t, err)
	_, err = f.manager.Create(context.Background(), f.session.ID, def)
	require.NoError(t, err)
	return def
}

func reviewGate() config.GateConfig {
	return config.GateConfig{
		Name:        "review",
		Threshold:   1,
		Aggregation: config.AggregationWeightedAverage,
		Validators: []config.ValidatorConfig{
			{Name: "has-summary", Kind: gate.KindSubstring, Weight: 1, Params: map[string]string{"substring": "summary"}},
		},
	}
}

func TestCreate(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()

	def := f.createTask(t, 3, nil)

	record, err := f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskPending, record.Status)
	assert.Equal(t, f.session.ID, record.SessionID)

	sess, err := f.state.Read(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Contains(t, sess.OwnedTasks, def.ID)
}

func TestLifecycleToCompleted(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)

	record, err := f.manager.Start(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, record.Status)

	record, err = f.manager.Progress(ctx, def.ID, 0.4)
	require.NoError(t, err)
	assert.Equal(t, 0.4, record.Progress)

	record, err = f.manager.Complete(ctx, def.ID, "all done", "")
	require.NoError(t, err)
	assert.Equal(t, state.TaskCompleted, record.Status)
	assert.Equal(t, 1.0, record.Progress)
	assert.Empty(t, record.AssignedAgent, "terminal task holds no assignment")
}

func TestIllegalTransitions(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Start(ctx, def.ID)
	assert.Error(t, err, "pending task cannot start")

	_, err = f.manager.Complete(ctx, def.ID, "artifact", "")
	assert.Error(t, err, "pending task cannot complete")

	_, err = f.manager.Block(ctx, def.ID)
	assert.Error(t, err, "pending task cannot block")
}

func TestSingleAssignee(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)

	_, err = f.manager.Assign(ctx, def.ID, "agent-2")
	assert.Error(t, err, "an assigned task cannot be assigned again")
}

func TestBlockedRoundTrip(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, def.ID)
	require.NoError(t, err)

	record, err := f.manager.Block(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskBlocked, record.Status)

	record, err = f.manager.Unblock(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, record.Status)
}

func TestGateRejectionFailsTask(t *testing.T) {
	f := setupTestManager(t, "review", reviewGate())
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, def.ID)
	require.NoError(t, err)

	record, err := f.manager.Complete(ctx, def.ID, "no useful content", "")
	var rejection *errs.ValidationFailure
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "review", rejection.Gate)

	// Rejected means failed with findings, never completed.
	assert.Equal(t, state.TaskFailed, record.Status)
	require.NotEmpty(t, record.Findings)
	assert.Contains(t, record.Findings[0], "has-summary")

	persisted, err := f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskFailed, persisted.Status)
	assert.NotEmpty(t, persisted.Findings)
}

func TestGateAcceptanceCompletesTask(t *testing.T) {
	f := setupTestManager(t, "review", reviewGate())
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, def.ID)
	require.NoError(t, err)

	record, err := f.manager.Complete(ctx, def.ID, "summary: everything worked", "")
	require.NoError(t, err)
	assert.Equal(t, state.TaskCompleted, record.Status)
}

func TestGateOverrideFromMetadata(t *testing.T) {
	strict := config.GateConfig{
		Name:        "strict",
		Threshold:   1,
		Aggregation: config.AggregationAllMustPass,
		Validators: []config.ValidatorConfig{
			{Name: "wellformed", Kind: gate.KindJSONWellformed, Weight: 1},
		},
	}
	f := setupTestManager(t, "review", reviewGate(), strict)
	ctx := context.Background()

	def := f.createTask(t, 1, map[string]string{MetadataGateKey: "strict"})
	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, def.ID)
	require.NoError(t, err)

	// Passes the default gate's substring check but not the override.
	_, err = f.manager.Complete(ctx, def.ID, "summary but not json", "")
	var rejection *errs.ValidationFailure
	require.ErrorAs(t, err, &rejection)
	assert.Equal(t, "strict", rejection.Gate)
}

func TestFailAttachesReason(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)

	record, err := f.manager.Fail(ctx, def.ID, "agent crashed")
	require.NoError(t, err)
	assert.Equal(t, state.TaskFailed, record.Status)
	assert.Equal(t, []string{"agent crashed"}, record.Findings)
}

func TestCancelPendingTask(t *testing.T) {
	f := setupTestManager(t, "")
	def := f.createTask(t, 1, nil)

	record, err := f.manager.Cancel(context.Background(), def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskCancelled, record.Status)
}

func TestRevise(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	revised, err := f.manager.Revise(ctx, def.ID, "write final report", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, revised.Revision)
	assert.Equal(t, "write final report", revised.Title)
	assert.Equal(t, "summarize findings", revised.Description, "empty fields keep current values")

	// The original definition is untouched.
	assert.Equal(t, 1, def.Revision)
	assert.Equal(t, "write report", def.Title)

	_, err = f.manager.Cancel(ctx, def.ID)
	require.NoError(t, err)
	_, err = f.manager.Revise(ctx, def.ID, "x", "", nil)
	assert.Error(t, err, "terminal tasks cannot be revised")
}

func inProgressTask(t *testing.T, f *fixture, metadata map[string]string) *Definition {
	t.Helper()
	ctx := context.Background()
	def := f.createTask(t, 1, metadata)
	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)
	_, err = f.manager.Start(ctx, def.ID)
	require.NoError(t, err)
	return def
}

func TestHandleCompleteSendsQualityResult(t *testing.T) {
	f := setupTestManager(t, "review", reviewGate())
	ctx := context.Background()
	def := inProgressTask(t, f, nil)

	payload, err := json.Marshal(completePayload{TaskID: def.ID, Artifact: "summary: done"})
	require.NoError(t, err)

	msg := wire.NewMessage(wire.TypeTaskComplete, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = payload
	require.NoError(t, f.manager.handleComplete(ctx, msg))

	// Evaluation happens off the handler goroutine.
	require.Eventually(t, func() bool { return f.router.last() != nil },
		2*time.Second, 10*time.Millisecond)
	reply := f.router.last()
	assert.Equal(t, wire.TypeQualityResult, reply.Type)
	assert.Equal(t, "agent-1", reply.Recipient.ID)
	assert.Equal(t, msg.ID, reply.CorrelationID)

	var verdict qualityResultPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &verdict))
	assert.True(t, verdict.Passed)
}

func TestHandleCompleteRejectionIsHandled(t *testing.T) {
	f := setupTestManager(t, "review", reviewGate())
	ctx := context.Background()
	def := inProgressTask(t, f, nil)

	payload, err := json.Marshal(completePayload{TaskID: def.ID, Artifact: "garbage"})
	require.NoError(t, err)

	msg := wire.NewMessage(wire.TypeTaskComplete, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = payload
	require.NoError(t, f.manager.handleComplete(ctx, msg), "a gate rejection is a handled outcome")

	require.Eventually(t, func() bool { return f.router.last() != nil },
		2*time.Second, 10*time.Millisecond)

	var verdict qualityResultPayload
	require.NoError(t, json.Unmarshal(f.router.last().Payload, &verdict))
	assert.False(t, verdict.Passed)
	assert.NotEmpty(t, verdict.Findings)

	record, err := f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskFailed, record.Status)
}

func TestHandleQualityRequestEvaluatesWithoutTouchingTask(t *testing.T) {
	f := setupTestManager(t, "review", reviewGate())
	ctx := context.Background()
	def := f.createTask(t, 1, nil)

	payload, err := json.Marshal(qualityRequestPayload{TaskID: def.ID, Gate: "review", Artifact: "summary: a dry run"})
	require.NoError(t, err)

	msg := wire.NewMessage(wire.TypeQualityRequest, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = payload
	require.NoError(t, f.manager.handleQualityRequest(ctx, msg))

	require.Eventually(t, func() bool { return f.router.last() != nil },
		2*time.Second, 10*time.Millisecond)
	reply := f.router.last()
	assert.Equal(t, wire.TypeQualityResult, reply.Type)
	assert.Equal(t, msg.ID, reply.CorrelationID)

	var verdict qualityResultPayload
	require.NoError(t, json.Unmarshal(reply.Payload, &verdict))
	assert.True(t, verdict.Passed)
	assert.Equal(t, def.ID, verdict.TaskID)

	// A standalone evaluation settles nothing.
	record, err := f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskPending, record.Status)

	// An unconfigured gate is a handler error, not a silent pass.
	bad, err := json.Marshal(qualityRequestPayload{Gate: "no-such-gate", Artifact: "x"})
	require.NoError(t, err)
	badMsg := wire.NewMessage(wire.TypeQualityRequest, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	badMsg.Payload = bad
	require.Error(t, f.manager.handleQualityRequest(ctx, badMsg))
}

func TestHandleUpdate(t *testing.T) {
	f := setupTestManager(t, "")
	ctx := context.Background()
	def := f.createTask(t, 1, nil)
	_, err := f.manager.Assign(ctx, def.ID, "agent-1")
	require.NoError(t, err)

	send := func(p updatePayload) error {
		body, err := json.Marshal(p)
		require.NoError(t, err)
		msg := wire.NewMessage(wire.TypeTaskUpdate, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
		msg.Payload = body
		return f.manager.handleUpdate(ctx, msg)
	}

	require.NoError(t, send(updatePayload{TaskID: def.ID, Status: "in_progress", Progress: 0.25}))
	record, err := f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, record.Status)
	assert.Equal(t, 0.25, record.Progress)

	require.NoError(t, send(updatePayload{TaskID: def.ID, Status: "blocked"}))
	record, err = f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskBlocked, record.Status)

	require.NoError(t, send(updatePayload{TaskID: def.ID, Status: "in_progress"}))
	record, err = f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskInProgress, record.Status)
}

func TestWireCompletionAwaitsDecisionWithoutBlockingDispatch(t *testing.T) {
	humanGate := config.GateConfig{
		Name:                   "sign-off",
		Threshold:              1,
		Aggregation:            config.AggregationWeightedAverage,
		DecisionTimeoutSeconds: 2,
		Validators: []config.ValidatorConfig{
			{Name: "reviewer", Kind: gate.KindHuman, Weight: 1},
		},
	}
	f := setupTestManager(t, "sign-off", humanGate)
	ctx := context.Background()
	def := inProgressTask(t, f, nil)

	payload, err := json.Marshal(completePayload{TaskID: def.ID, Artifact: "artifact"})
	require.NoError(t, err)
	complete := wire.NewMessage(wire.TypeTaskComplete, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	complete.Payload = payload

	// handleComplete must return while the gate is still suspended, so a
	// decision arriving on the same channel can be dispatched in time.
	require.NoError(t, f.manager.handleComplete(ctx, complete))

	time.Sleep(300 * time.Millisecond)

	decision, err := json.Marshal(decisionPayload{CorrelationID: complete.ID, Approved: true})
	require.NoError(t, err)
	msg := wire.NewMessage(wire.TypeDecision, wire.AgentRef{Role: wire.RoleManager, ID: "reviewer"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = decision
	require.NoError(t, f.manager.handleDecision(ctx, msg))

	require.Eventually(t, func() bool {
		record, err := f.manager.state.ReadTask(ctx, def.ID)
		return err == nil && record.Status == state.TaskCompleted
	}, 2*time.Second, 10*time.Millisecond)

	var verdict qualityResultPayload
	require.NoError(t, json.Unmarshal(f.router.last().Payload, &verdict))
	assert.True(t, verdict.Passed)
}

func TestCancelDuringSuspendedGateWins(t *testing.T) {
	humanGate := config.GateConfig{
		Name:                   "sign-off",
		Threshold:              1,
		Aggregation:            config.AggregationWeightedAverage,
		DecisionTimeoutSeconds: 2,
		Validators: []config.ValidatorConfig{
			{Name: "reviewer", Kind: gate.KindHuman, Weight: 1},
		},
	}
	f := setupTestManager(t, "sign-off", humanGate)
	ctx := context.Background()
	def := inProgressTask(t, f, nil)

	payload, err := json.Marshal(completePayload{TaskID: def.ID, Artifact: "artifact"})
	require.NoError(t, err)
	complete := wire.NewMessage(wire.TypeTaskComplete, wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	complete.Payload = payload
	require.NoError(t, f.manager.handleComplete(ctx, complete))

	time.Sleep(100 * time.Millisecond)

	// The per-task lock is not held across the gate wait, so the cancel
	// settles the record; the late approval cannot resurrect it.
	record, err := f.manager.Cancel(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskCancelled, record.Status)

	decision, err := json.Marshal(decisionPayload{CorrelationID: complete.ID, Approved: true})
	require.NoError(t, err)
	msg := wire.NewMessage(wire.TypeDecision, wire.AgentRef{Role: wire.RoleManager, ID: "reviewer"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = decision
	require.NoError(t, f.manager.handleDecision(ctx, msg))

	time.Sleep(200 * time.Millisecond)
	record, err = f.manager.state.ReadTask(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, state.TaskCancelled, record.Status)
}

func TestHandleDecisionResolvesHumanGate(t *testing.T) {
	humanGate := config.GateConfig{
		Name:                   "sign-off",
		Threshold:              1,
		Aggregation:            config.AggregationWeightedAverage,
		DecisionTimeoutSeconds: 5,
		Validators: []config.ValidatorConfig{
			{Name: "reviewer", Kind: gate.KindHuman, Weight: 1},
		},
	}
	f := setupTestManager(t, "sign-off", humanGate)
	ctx := context.Background()
	def := inProgressTask(t, f, nil)

	done := make(chan *state.TaskRecord, 1)
	go func() {
		record, err := f.manager.Complete(ctx, def.ID, "artifact", "corr-1")
		require.NoError(t, err)
		done <- record
	}()

	decision, err := json.Marshal(decisionPayload{CorrelationID: "corr-1", Approved: true, Findings: "approved"})
	require.NoError(t, err)
	msg := wire.NewMessage(wire.TypeDecision, wire.AgentRef{Role: wire.RoleManager, ID: "reviewer"}, wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Payload = decision

	require.Eventually(t, func() bool {
		return f.manager.handleDecision(ctx, msg) == nil && len(done) > 0
	}, 4*time.Second, 10*time.Millisecond)

	record := <-done
	assert.Equal(t, state.TaskCompleted, record.Status)
}
