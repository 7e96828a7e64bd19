// Package wire defines the message model shared by every Warren component.
//
// A Message is the only thing that crosses component boundaries: task
// assignment, progress, completion, quality decisions and errors are all
// expressed as messages. The model is transport-agnostic; Warren happens to
// deliver messages over Redis Pub/Sub, but nothing in this package knows
// that.
//
// # Wire schema
//
// Messages serialize to a flat JSON object:
//
//	{
//	  "id": "…uuid…",
//	  "type": "task-assign",
//	  "priority": 5,
//	  "sender": {"role": "manager", "id": "mgr-1"},
//	  "recipient": {"role": "worker", "id": "agent-3"},
//	  "payload": { … opaque … },
//	  "correlation_id": "…uuid…",
//	  "timestamp": 1735820400000,
//	  "attempt": 0
//	}
//
// Two forward-compatibility rules hold:
//
//   - Unknown top-level fields survive an unmarshal/marshal round trip
//     unchanged. A newer peer can attach fields an older peer does not
//     understand without losing them in transit.
//   - Unknown "type" values are valid. They are carried and routed as
//     opaque messages rather than rejected.
//
// # Correlation
//
// CorrelationID links a response to the request that caused it. A message
// carrying a correlation id must reference a message that was actually
// sent; responses for the same correlation id are delivered to the original
// sender in the order they are produced.
package wire
