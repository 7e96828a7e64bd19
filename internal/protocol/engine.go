// Package protocol exposes the uniform send/receive contract callers use
// to exchange messages with agents. Outbound messages are durably logged
// before routing; inbound messages are dispatched to per-type handlers.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
)

// Handler processes one inbound message. Handlers run on the engine's
// dispatch goroutine; a returned error is logged, not fatal.
type Handler func(ctx context.Context, msg *wire.Message) error

// Deliverer is the routing capability the engine hands messages to. The
// router implements this; the engine resolves it through the component
// registry.
type Deliverer interface {
	Route(ctx context.Context, msg *wire.Message) error
}

// Engine wraps message construction, durable logging and dispatch.
type Engine struct {
	store    *state.Store
	registry *registry.Registry

	mu       sync.RWMutex
	handlers map[wire.MessageType]Handler
	opaque   Handler
}

// New creates a protocol engine.
func New(store *state.Store, reg *registry.Registry) *Engine {
	return &Engine{
		store:    store,
		registry: reg,
		handlers: make(map[wire.MessageType]Handler),
	}
}

// RegisterHandler binds a handler for a known message type. Each type has
// exactly one handler; a duplicate registration is a wiring bug.
func (e *Engine) RegisterHandler(t wire.MessageType, h Handler) error {
	if !t.Known() {
		return fmt.Errorf("cannot register handler for unknown message type %q", t)
	}
	if h == nil {
		return fmt.Errorf("handler for %s cannot be nil", t)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.handlers[t]; exists {
		return fmt.Errorf("handler for %s is already registered", t)
	}
	e.handlers[t] = h
	return nil
}

// RegisterOpaqueHandler binds the fallback handler for messages whose type
// is not in the known set. Such messages are routed as opaque and logged,
// never rejected.
func (e *Engine) RegisterOpaqueHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opaque = h
}

// Send validates msg, durably logs it (ping/pong excepted) and hands it to
// the router.
//
// A routing failure is returned to the caller as the router's error
// (DeliveryError, AgentUnavailableError); the message itself is never
// silently dropped because the router dead-letters anything undeliverable.
func (e *Engine) Send(ctx context.Context, msg *wire.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("refusing to send invalid message: %w", err)
	}

	if !msg.Type.Control() {
		if err := e.store.AppendMessageLog(ctx, msg); err != nil {
			return fmt.Errorf("failed to log outbound message: %w", err)
		}
	}

	router, err := registry.Resolve[Deliverer](e.registry, registry.ComponentRouter)
	if err != nil {
		return fmt.Errorf("no router available: %w", err)
	}

	return router.Route(ctx, msg)
}

// ReplayLog iterates the durable outbound log in send order. The
// coordinator uses this after a crash to reconcile in-flight work against
// recovered task state.
func (e *Engine) ReplayLog(ctx context.Context, fn func(*wire.Message) error) error {
	return e.store.ReplayMessageLog(ctx, fn)
}

// Run subscribes to the coordinator channel and dispatches inbound
// messages to their handlers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	sub, err := e.store.SubscribeMessages(ctx, state.CoordinatorChannel(e.store.InstanceName()))
	if err != nil {
		return fmt.Errorf("failed to subscribe to coordinator channel: %w", err)
	}
	defer sub.Close()

	e.logEvent("engine_started", map[string]interface{}{})

	for {
		select {
		case <-ctx.Done():
			e.logEvent("engine_stopped", map[string]interface{}{})
			return nil

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			log.Printf("[Protocol] Subscription error: %v", err)

		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			e.dispatch(ctx, msg)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg *wire.Message) {
	e.mu.RLock()
	handler := e.handlers[msg.Type]
	opaque := e.opaque
	e.mu.RUnlock()

	if !msg.Type.Known() {
		e.logEvent("opaque_message_received", map[string]interface{}{
			"message_id":   msg.ID,
			"message_type": string(msg.Type),
			"sender_id":    msg.Sender.ID,
		})
		handler = opaque
	}

	if handler == nil {
		e.logEvent("message_unhandled", map[string]interface{}{
			"message_id":   msg.ID,
			"message_type": string(msg.Type),
		})
		return
	}

	if err := handler(ctx, msg); err != nil {
		log.Printf("[Protocol] Handler for %s failed on message %s: %v", msg.Type, msg.ID, err)
	}
}

// logEvent logs a structured event in JSON format.
func (e *Engine) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "protocol"
	data["event_type"] = eventType
	data["instance_name"] = e.store.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Protocol] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}
