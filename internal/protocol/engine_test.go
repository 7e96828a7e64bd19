package protocol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRouter records routed messages and optionally fails every delivery.
type fakeRouter struct {
	mu     sync.Mutex
	routed []*wire.Message
	fail   error
}

func (r *fakeRouter) Route(ctx context.Context, msg *wire.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.routed = append(r.routed, msg)
	return nil
}

func (r *fakeRouter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.routed)
}

func setupTestEngine(t *testing.T, router *fakeRouter) (*Engine, *state.Store) {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	store, err := state.NewStore(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := registry.New()
	if router != nil {
		require.NoError(t, reg.Register(registry.ComponentRouter, router))
	}

	return New(store, reg), store
}

func managerRef() wire.AgentRef { return wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"} }
func workerRef() wire.AgentRef  { return wire.AgentRef{Role: wire.RoleWorker, ID: "agent-1"} }

func TestSendLogsBeforeRouting(t *testing.T) {
	router := &fakeRouter{}
	engine, store := setupTestEngine(t, router)
	ctx := context.Background()

	msg := wire.NewMessage(wire.TypeTaskAssign, managerRef(), workerRef())
	require.NoError(t, engine.Send(ctx, msg))
	assert.Equal(t, 1, router.count())

	var logged []string
	require.NoError(t, store.ReplayMessageLog(ctx, func(m *wire.Message) error {
		logged = append(logged, m.ID)
		return nil
	}))
	assert.Equal(t, []string{msg.ID}, logged)
}

func TestSendSkipsLogForControlTraffic(t *testing.T) {
	router := &fakeRouter{}
	engine, store := setupTestEngine(t, router)
	ctx := context.Background()

	require.NoError(t, engine.Send(ctx, wire.NewMessage(wire.TypePing, managerRef(), workerRef())))
	require.NoError(t, engine.Send(ctx, wire.NewMessage(wire.TypePong, workerRef(), managerRef())))
	assert.Equal(t, 2, router.count())

	logged := 0
	require.NoError(t, store.ReplayMessageLog(ctx, func(*wire.Message) error {
		logged++
		return nil
	}))
	assert.Zero(t, logged, "ping/pong traffic is not durably logged")
}

func TestSendSurfacesDeliveryError(t *testing.T) {
	router := &fakeRouter{fail: &errs.DeliveryError{MessageID: "m", Attempts: 3, Reason: "nobody listening"}}
	engine, _ := setupTestEngine(t, router)

	err := engine.Send(context.Background(), wire.NewMessage(wire.TypeTaskAssign, managerRef(), workerRef()))
	var deliveryErr *errs.DeliveryError
	require.ErrorAs(t, err, &deliveryErr)
	assert.Equal(t, 3, deliveryErr.Attempts)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	engine, _ := setupTestEngine(t, &fakeRouter{})

	msg := wire.NewMessage(wire.TypeTaskAssign, managerRef(), workerRef())
	msg.Sender.Role = "gardener"
	assert.Error(t, engine.Send(context.Background(), msg))
}

func TestRegisterHandler(t *testing.T) {
	engine, _ := setupTestEngine(t, nil)
	noop := func(context.Context, *wire.Message) error { return nil }

	require.NoError(t, engine.RegisterHandler(wire.TypeTaskComplete, noop))

	assert.Error(t, engine.RegisterHandler(wire.TypeTaskComplete, noop), "duplicate registration")
	assert.Error(t, engine.RegisterHandler(wire.MessageType("custom-type"), noop), "unknown type")
	assert.Error(t, engine.RegisterHandler(wire.TypeTaskAssign, nil), "nil handler")
}

func TestRunDispatchesToHandlers(t *testing.T) {
	engine, store := setupTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *wire.Message, 1)
	require.NoError(t, engine.RegisterHandler(wire.TypeTaskComplete, func(_ context.Context, msg *wire.Message) error {
		received <- msg
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	// Give Run a moment to establish its subscription.
	require.Eventually(t, func() bool {
		msg := wire.NewMessage(wire.TypeTaskComplete, workerRef(), managerRef())
		n, err := store.PublishMessage(ctx, state.CoordinatorChannel(store.InstanceName()), msg)
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-received:
		assert.Equal(t, wire.TypeTaskComplete, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestRunRoutesUnknownTypesToOpaqueHandler(t *testing.T) {
	engine, store := setupTestEngine(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan *wire.Message, 1)
	engine.RegisterOpaqueHandler(func(_ context.Context, msg *wire.Message) error {
		received <- msg
		return nil
	})

	go engine.Run(ctx)

	require.Eventually(t, func() bool {
		msg := wire.NewMessage(wire.MessageType("future-extension"), workerRef(), managerRef())
		n, err := store.PublishMessage(ctx, state.CoordinatorChannel(store.InstanceName()), msg)
		return err == nil && n > 0
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case msg := <-received:
		assert.Equal(t, wire.MessageType("future-extension"), msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("opaque handler was not invoked")
	}
}

func TestReplayLogPreservesOrder(t *testing.T) {
	engine, _ := setupTestEngine(t, &fakeRouter{})
	ctx := context.Background()

	first := wire.NewMessage(wire.TypeTaskAssign, managerRef(), workerRef())
	second := wire.NewMessage(wire.TypeTaskUpdate, managerRef(), workerRef())
	require.NoError(t, engine.Send(ctx, first))
	require.NoError(t, engine.Send(ctx, second))

	var ids []string
	require.NoError(t, engine.ReplayLog(ctx, func(m *wire.Message) error {
		ids = append(ids, m.ID)
		return nil
	}))
	assert.Equal(t, []string{first.ID, second.ID}, ids)
}
