package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MetadataGateKey is the definition metadata key naming the quality gate
// that guards the task's completion. Absent, the manager's default gate
// applies.
const MetadataGateKey = "quality_gate"

// Definition describes a unit of work as submitted. Definitions are
// immutable; Revise produces a new revision instead of mutating in place.
type Definition struct {
	ID           string            `json:"id"`
	Title        string            `json:"title"`
	Description  string            `json:"description,omitempty"`
	Priority     int               `json:"priority"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Revision     int               `json:"revision"`
	CreatedAtMs  int64             `json:"created_at_ms"`
}

// NewDefinition creates a task definition with a fresh id.
func NewDefinition(title, description string, priority int, dependencies []string, metadata map[string]string) (*Definition, error) {
	if title == "" {
		return nil, fmt.Errorf("task title cannot be empty")
	}
	if priority < 0 {
		return nil, fmt.Errorf("task priority cannot be negative, got %d", priority)
	}

	return &Definition{
		ID:           uuid.New().String(),
		Title:        title,
		Description:  description,
		Priority:     priority,
		Dependencies: copyStrings(dependencies),
		Metadata:     copyMap(metadata),
		Revision:     1,
		CreatedAtMs:  time.Now().UnixMilli(),
	}, nil
}

// Revise returns a copy with the given fields replaced and the revision
// bumped. Empty title/description keep the current values; a nil metadata
// map keeps the current metadata.
func (d *Definition) Revise(title, description string, metadata map[string]string) *Definition {
	next := d.clone()
	next.Revision++
	if title != "" {
		next.Title = title
	}
	if description != "" {
		next.Description = description
	}
	if metadata != nil {
		next.Metadata = copyMap(metadata)
	}
	return next
}

func (d *Definition) clone() *Definition {
	next := *d
	next.Dependencies = copyStrings(d.Dependencies)
	next.Metadata = copyMap(d.Metadata)
	return &next
}

// GateName returns the quality gate named in the metadata, or "" when the
// task carries no gate override.
func (d *Definition) GateName() string {
	return d.Metadata[MetadataGateKey]
}

func copyStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
