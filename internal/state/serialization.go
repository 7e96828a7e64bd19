package state

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Serialization helpers for converting between Go structs and Redis hashes.
//
// Redis stores data as string-to-string maps (hashes). Complex fields like
// arrays and maps are JSON-encoded into single hash fields. This keeps
// individual fields queryable while allowing structured values.

// SessionToHash converts a SessionState to a Redis hash.
func SessionToHash(s *SessionState) (map[string]interface{}, error) {
	ownedJSON, err := json.Marshal(s.OwnedTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal owned_tasks: %w", err)
	}

	return map[string]interface{}{
		"id":              s.ID,
		"status":          string(s.Status),
		"owned_tasks":     string(ownedJSON),
		"created_at_ms":   s.CreatedAtMs,
		"last_touched_ms": s.LastTouchedMs,
		"version":         s.Version,
	}, nil
}

// HashToSession converts a Redis hash back to a SessionState.
func HashToSession(hash map[string]string) (*SessionState, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	var ownedTasks []string
	if ownedJSON := hash["owned_tasks"]; ownedJSON != "" {
		if err := json.Unmarshal([]byte(ownedJSON), &ownedTasks); err != nil {
			return nil, fmt.Errorf("failed to unmarshal owned_tasks: %w", err)
		}
	}
	if ownedTasks == nil {
		ownedTasks = []string{}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	lastTouchedMs, _ := strconv.ParseInt(hash["last_touched_ms"], 10, 64)

	return &SessionState{
		ID:            hash["id"],
		Status:        SessionStatus(hash["status"]),
		OwnedTasks:    ownedTasks,
		CreatedAtMs:   createdAtMs,
		LastTouchedMs: lastTouchedMs,
		Version:       version,
	}, nil
}

// TaskToHash converts a TaskRecord to a Redis hash.
func TaskToHash(t *TaskRecord) (map[string]interface{}, error) {
	transitionsJSON, err := json.Marshal(t.TransitionsMs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transitions_ms: %w", err)
	}

	findingsJSON, err := json.Marshal(t.Findings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal findings: %w", err)
	}

	return map[string]interface{}{
		"id":             t.ID,
		"session_id":     t.SessionID,
		"status":         string(t.Status),
		"progress":       strconv.FormatFloat(t.Progress, 'f', -1, 64),
		"assigned_agent": t.AssignedAgent,
		"version":        t.Version,
		"created_at_ms":  t.CreatedAtMs,
		"updated_at_ms":  t.UpdatedAtMs,
		"transitions_ms": string(transitionsJSON),
		"findings":       string(findingsJSON),
	}, nil
}

// HashToTask converts a Redis hash back to a TaskRecord.
func HashToTask(hash map[string]string) (*TaskRecord, error) {
	version, err := strconv.ParseInt(hash["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field: %w", err)
	}

	progress, err := strconv.ParseFloat(hash["progress"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid progress field: %w", err)
	}

	var transitions map[string]int64
	if transitionsJSON := hash["transitions_ms"]; transitionsJSON != "" && transitionsJSON != "null" {
		if err := json.Unmarshal([]byte(transitionsJSON), &transitions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transitions_ms: %w", err)
		}
	}

	var findings []string
	if findingsJSON := hash["findings"]; findingsJSON != "" && findingsJSON != "null" {
		if err := json.Unmarshal([]byte(findingsJSON), &findings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal findings: %w", err)
		}
	}

	createdAtMs, _ := strconv.ParseInt(hash["created_at_ms"], 10, 64)
	updatedAtMs, _ := strconv.ParseInt(hash["updated_at_ms"], 10, 64)

	return &TaskRecord{
		ID:            hash["id"],
		SessionID:     hash["session_id"],
		Status:        TaskStatus(hash["status"]),
		Progress:      progress,
		AssignedAgent: hash["assigned_agent"],
		Version:       version,
		CreatedAtMs:   createdAtMs,
		UpdatedAtMs:   updatedAtMs,
		TransitionsMs: transitions,
		Findings:      findings,
	}, nil
}
