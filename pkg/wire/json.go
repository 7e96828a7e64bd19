package wire

import (
	"encoding/json"
	"fmt"
)

// knownFields are the top-level JSON keys this version of the schema
// understands. Anything else is preserved verbatim in Message.extra.
var knownFields = map[string]struct{}{
	"id":             {},
	"type":           {},
	"priority":       {},
	"sender":         {},
	"recipient":      {},
	"payload":        {},
	"correlation_id": {},
	"timestamp":      {},
	"attempt":        {},
}

// messageFields mirrors Message for plain JSON (de)serialization without
// recursing into the custom methods.
type messageFields struct {
	ID            string          `json:"id"`
	Type          MessageType     `json:"type"`
	Priority      int             `json:"priority"`
	Sender        AgentRef        `json:"sender"`
	Recipient     AgentRef        `json:"recipient"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	TimestampMs   int64           `json:"timestamp"`
	Attempt       int             `json:"attempt"`
}

// MarshalJSON serializes the message, re-emitting any unknown fields that
// were present when it was unmarshaled. Known fields always win over a
// stale copy in the extras map.
func (m *Message) MarshalJSON() ([]byte, error) {
	fields := messageFields{
		ID:            m.ID,
		Type:          m.Type,
		Priority:      m.Priority,
		Sender:        m.Sender,
		Recipient:     m.Recipient,
		Payload:       m.Payload,
		CorrelationID: m.CorrelationID,
		TimestampMs:   m.TimestampMs,
		Attempt:       m.Attempt,
	}

	if len(m.extra) == 0 {
		return json.Marshal(fields)
	}

	base, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]json.RawMessage, len(m.extra)+len(knownFields))
	for k, v := range m.extra {
		if _, known := knownFields[k]; known {
			continue
		}
		merged[k] = v
	}
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	return json.Marshal(merged)
}

// UnmarshalJSON deserializes the message, stashing unrecognized top-level
// fields so they round-trip through MarshalJSON.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal message: %w", err)
	}

	var fields messageFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to unmarshal message fields: %w", err)
	}

	var extra map[string]json.RawMessage
	for k, v := range raw {
		if _, known := knownFields[k]; known {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}

	*m = Message{
		ID:            fields.ID,
		Type:          fields.Type,
		Priority:      fields.Priority,
		Sender:        fields.Sender,
		Recipient:     fields.Recipient,
		Payload:       fields.Payload,
		CorrelationID: fields.CorrelationID,
		TimestampMs:   fields.TimestampMs,
		Attempt:       fields.Attempt,
		extra:         extra,
	}
	return nil
}
