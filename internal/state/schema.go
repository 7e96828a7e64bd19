package state

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so
// multiple Warren instances can safely coexist on a single Redis server.
//
// Key pattern: warren:{instance_name}:{entity}:{id}
// Channel pattern: warren:{instance_name}:{event_type}_events

// SessionKey returns the Redis key for a session hash.
// Pattern: warren:{instance_name}:session:{session_id}
func SessionKey(instanceName, sessionID string) string {
	return fmt.Sprintf("warren:%s:session:%s", instanceName, sessionID)
}

// SessionIndexKey returns the Redis key for the set of all session ids.
// Pattern: warren:{instance_name}:sessions
func SessionIndexKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:sessions", instanceName)
}

// TaskKey returns the Redis key for a task hash.
// Pattern: warren:{instance_name}:task:{task_id}
func TaskKey(instanceName, taskID string) string {
	return fmt.Sprintf("warren:%s:task:%s", instanceName, taskID)
}

// SessionTasksKey returns the Redis key for a session's task-id set.
// Pattern: warren:{instance_name}:session:{session_id}:tasks
func SessionTasksKey(instanceName, sessionID string) string {
	return fmt.Sprintf("warren:%s:session:%s:tasks", instanceName, sessionID)
}

// MessageLogKey returns the Redis key for the durable outbound message log.
// Pattern: warren:{instance_name}:msglog
func MessageLogKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:msglog", instanceName)
}

// DeadLettersKey returns the Redis key for the bounded dead-letter list.
// Pattern: warren:{instance_name}:deadletters
func DeadLettersKey(instanceName string) string {
	return fmt.Sprintf("warren:%s:deadletters", instanceName)
}

// AgentChannel returns the Pub/Sub channel an agent listens on for
// messages addressed to it.
// Pattern: warren:{instance_name}:agent:{agent_id}:events
func AgentChannel(instanceName, agentID string) string {
	return fmt.Sprintf("warren:%s:agent:%s:events", instanceName, agentID)
}

// CoordinatorChannel returns the Pub/Sub channel the coordinator listens
// on for responses and inbound traffic from agents.
// Pattern: warren:{instance_name}:coordinator_events
func CoordinatorChannel(instanceName string) string {
	return fmt.Sprintf("warren:%s:coordinator_events", instanceName)
}

// StateEventsChannel returns the Pub/Sub channel for state-change events.
// Pattern: warren:{instance_name}:state_events
func StateEventsChannel(instanceName string) string {
	return fmt.Sprintf("warren:%s:state_events", instanceName)
}
