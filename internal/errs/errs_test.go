package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryErrorMessage(t *testing.T) {
	err := &DeliveryError{MessageID: "m-1", Attempts: 4, Reason: "no subscribers"}
	assert.Contains(t, err.Error(), "m-1")
	assert.Contains(t, err.Error(), "4 attempts")
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	base := &StateConflictError{SessionID: "s-1", BaseVersion: 2, CurrentVersion: 5}
	wrapped := fmt.Errorf("failed to apply update: %w", base)

	var conflict *StateConflictError
	assert.True(t, errors.As(wrapped, &conflict))
	assert.Equal(t, int64(5), conflict.CurrentVersion)
	assert.True(t, IsConflict(wrapped))
}

func TestIsCapacity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "capacity error", err: &CapacityError{Resource: "task queue", Limit: 10}, want: true},
		{name: "wrapped capacity error", err: fmt.Errorf("submit: %w", &CapacityError{Resource: "task queue", Limit: 10}), want: true},
		{name: "queue full sentinel", err: ErrQueueFull, want: true},
		{name: "max agents sentinel", err: ErrMaxAgents, want: true},
		{name: "unrelated error", err: errors.New("boom"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsCapacity(tt.err))
		})
	}
}

func TestValidationFailureCarriesFindings(t *testing.T) {
	err := &ValidationFailure{Gate: "code-review", Score: 0.4, Findings: []string{"too short", "missing tests"}}
	assert.Contains(t, err.Error(), "code-review")
	assert.Len(t, err.Findings, 2)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := &TimeoutError{Operation: "task execution", Limit: 30 * time.Second}
	assert.Contains(t, err.Error(), "task execution")
	assert.Contains(t, err.Error(), "30s")
}
