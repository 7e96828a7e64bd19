// Package router delivers messages to agents, protecting the engine from
// unhealthy destinations with per-agent circuit breakers, bounded retry,
// and a dead-letter store for anything undeliverable.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/errs"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/dyluth/warren/internal/registry"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
)

// Selector picks a concrete agent for load-balanced delivery. The agent
// pool implements this; the router resolves it through the component
// registry so neither package references the other directly.
type Selector interface {
	// SelectAgent returns an eligible agent id of the given role that is
	// not in the exclude set. Returns an errs.AgentUnavailableError when no
	// candidate remains.
	SelectAgent(role wire.AgentRole, exclude map[string]bool) (string, error)
}

// Router owns destination selection and delivery policy.
type Router struct {
	store    *state.Store
	registry *registry.Registry
	cfg      config.RouterConfig
	metrics  *metrics.Metrics
	breakers *BreakerSet

	// newBackOff builds the per-delivery retry schedule. Swappable in tests
	// to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// New creates a router.
func New(store *state.Store, reg *registry.Registry, cfg config.RouterConfig, m *metrics.Metrics) *Router {
	r := &Router{
		store:    store,
		registry: reg,
		cfg:      cfg,
		metrics:  m,
		breakers: NewBreakerSet(cfg.FailureThreshold, cfg.BreakerCooldown(), cfg.BreakerMaxCooldown()),
	}
	r.breakers.onOpen = func(agentID string) {
		m.BreakerOpens.Inc()
		r.logEvent("breaker_opened", map[string]interface{}{
			"agent_id": agentID,
		})
	}
	r.newBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 100 * time.Millisecond
		bo.MaxElapsedTime = 0
		return bo
	}
	return r
}

// Route selects a destination for msg and delivers it.
//
// Explicit recipient ids route directly; role-only recipients are resolved
// through the pool's selection policy, skipping agents whose breaker is
// open. Undeliverable messages are dead-lettered, never dropped, and the
// failure is surfaced both as the returned error and as an error message
// published to the original sender under the message's correlation id.
func (r *Router) Route(ctx context.Context, msg *wire.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("cannot route invalid message: %w", err)
	}

	agentID, err := r.resolveDestination(msg)
	if err != nil {
		r.deadLetter(ctx, msg, err.Error())
		r.notifySender(ctx, msg, err)
		return err
	}

	return r.deliver(ctx, msg, agentID)
}

// resolveDestination returns the concrete agent id msg should go to.
func (r *Router) resolveDestination(msg *wire.Message) (string, error) {
	if !msg.Recipient.LoadBalanced() {
		if !r.breakers.Allow(msg.Recipient.ID) {
			return "", &errs.AgentUnavailableError{
				Role:   string(msg.Recipient.Role),
				Reason: fmt.Sprintf("circuit open for agent %s", msg.Recipient.ID),
			}
		}
		return msg.Recipient.ID, nil
	}

	selector, err := registry.Resolve[Selector](r.registry, registry.ComponentPool)
	if err != nil {
		return "", fmt.Errorf("no selection policy available: %w", err)
	}

	// Skip candidates whose breaker refuses traffic. When the selector runs
	// out of candidates the message is undeliverable.
	exclude := make(map[string]bool)
	for {
		agentID, err := selector.SelectAgent(msg.Recipient.Role, exclude)
		if err != nil {
			if len(exclude) > 0 {
				return "", &errs.AgentUnavailableError{
					Role:   string(msg.Recipient.Role),
					Reason: "circuit open for all candidate agents",
				}
			}
			return "", err
		}
		if r.breakers.Allow(agentID) {
			return agentID, nil
		}
		exclude[agentID] = true
	}
}

// deliver publishes msg to the agent's channel, retrying transient
// failures with exponential backoff up to the configured attempt limit.
func (r *Router) deliver(ctx context.Context, msg *wire.Message, agentID string) error {
	channel := state.AgentChannel(r.store.InstanceName(), agentID)

	operation := func() error {
		msg.Attempt++
		receivers, err := r.store.PublishMessage(ctx, channel, msg)
		if err != nil {
			return err
		}
		if receivers == 0 {
			return fmt.Errorf("agent %s is not listening", agentID)
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.cfg.MaxAttempts-1)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		r.breakers.RecordFailure(agentID)
		r.metrics.DeliveryFailures.Inc()

		deliveryErr := &errs.DeliveryError{
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
			Attempts:      msg.Attempt,
			Reason:        err.Error(),
		}
		r.deadLetter(ctx, msg, deliveryErr.Reason)
		r.notifySender(ctx, msg, deliveryErr)
		return deliveryErr
	}

	r.breakers.RecordSuccess(agentID)
	r.metrics.MessagesRouted.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

// ReportSuccess records a successful task execution on agentID's breaker.
// Called by the pool when an agent finishes work.
func (r *Router) ReportSuccess(agentID string) {
	r.breakers.RecordSuccess(agentID)
}

// ReportFailure records an execution failure on agentID's breaker.
func (r *Router) ReportFailure(agentID string) {
	r.breakers.RecordFailure(agentID)
}

// BreakerState returns the circuit state for an agent.
func (r *Router) BreakerState(agentID string) BreakerState {
	return r.breakers.State(agentID)
}

// ForgetAgent discards breaker state for an agent removed from the pool.
func (r *Router) ForgetAgent(agentID string) {
	r.breakers.Forget(agentID)
}

func (r *Router) deadLetter(ctx context.Context, msg *wire.Message, reason string) {
	if err := r.store.PushDeadLetter(ctx, msg, reason, r.cfg.MaxDeadLetters); err != nil {
		log.Printf("[Router] Failed to dead-letter message %s: %v", msg.ID, err)
		return
	}
	r.metrics.DeadLetters.Inc()
	r.logEvent("message_dead_lettered", map[string]interface{}{
		"message_id":   msg.ID,
		"message_type": string(msg.Type),
		"reason":       reason,
	})
}

// notifySender publishes an error message back to the original sender,
// correlated to the failed message, so remote callers learn about the
// failure. Control traffic gets no notification.
func (r *Router) notifySender(ctx context.Context, msg *wire.Message, failure error) {
	if msg.Type.Control() {
		return
	}

	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = msg.ID
	}

	payload, err := json.Marshal(map[string]interface{}{
		"error":      failure.Error(),
		"message_id": msg.ID,
		"attempts":   msg.Attempt,
	})
	if err != nil {
		return
	}

	errMsg := wire.NewMessage(wire.TypeError, msg.Recipient, msg.Sender)
	errMsg.CorrelationID = correlationID
	errMsg.Priority = msg.Priority
	errMsg.Payload = payload

	channel := r.senderChannel(msg.Sender)
	if channel == "" {
		return
	}
	if _, err := r.store.PublishMessage(ctx, channel, errMsg); err != nil {
		log.Printf("[Router] Failed to notify sender of %s: %v", msg.ID, err)
	}
}

// senderChannel maps a sender ref to its inbound channel. Managers listen
// on the coordinator channel; workers listen on their own agent channel.
func (r *Router) senderChannel(ref wire.AgentRef) string {
	if ref.Role == wire.RoleManager {
		return state.CoordinatorChannel(r.store.InstanceName())
	}
	if ref.ID == "" {
		return ""
	}
	return state.AgentChannel(r.store.InstanceName(), ref.ID)
}

// logEvent logs a structured event in JSON format.
func (r *Router) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "router"
	data["event_type"] = eventType
	data["instance_name"] = r.store.InstanceName()

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Router] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}
