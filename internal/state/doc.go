// Package state persists session and task state in Redis and arbitrates
// concurrent updates to it.
//
// The package has two layers:
//
//   - Store: an instance-scoped Redis client. All keys and Pub/Sub channels
//     are namespaced warren:{instance}:... so multiple engine instances can
//     share one Redis server. The Store holds session and task hashes, the
//     durable outbound message log, the bounded dead-letter list, and the
//     Pub/Sub channels that carry messages and state-change events.
//
//   - Manager: the sole writer of persisted SessionState. Apply enforces
//     optimistic concurrency: an update carries the version it was computed
//     against, and a stale version is rejected with the current state so the
//     caller can rebase, never silently overwritten. Every applied change is
//     published as a state event and fanned out to in-process subscribers.
//
// Everything in this package survives a process restart: Manager.Recover
// reloads in-flight sessions and tasks from Redis on boot.
package state
