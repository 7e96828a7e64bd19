package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentRoleValidate(t *testing.T) {
	tests := []struct {
		name    string
		role    AgentRole
		wantErr bool
	}{
		{name: "manager is valid", role: RoleManager, wantErr: false},
		{name: "worker is valid", role: RoleWorker, wantErr: false},
		{name: "empty is invalid", role: AgentRole(""), wantErr: true},
		{name: "unknown is invalid", role: AgentRole("overseer"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.role.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAgentRefLoadBalanced(t *testing.T) {
	assert.True(t, AgentRef{Role: RoleWorker}.LoadBalanced())
	assert.False(t, AgentRef{Role: RoleWorker, ID: "agent-1"}.LoadBalanced())
	assert.False(t, AgentRef{}.LoadBalanced())
}

func TestMessageTypeKnown(t *testing.T) {
	for _, known := range []MessageType{
		TypeTaskSubmit, TypeTaskAssign, TypeTaskUpdate, TypeTaskComplete,
		TypeTaskFailed, TypeTaskCancel, TypePing, TypePong, TypeError,
		TypeQualityRequest, TypeQualityResult, TypeDecision,
	} {
		assert.True(t, known.Known(), "expected %s to be known", known)
	}
	assert.False(t, MessageType("carrier-pigeon").Known())
}

func TestMessageTypeControl(t *testing.T) {
	assert.True(t, TypePing.Control())
	assert.True(t, TypePong.Control())
	assert.False(t, TypeTaskAssign.Control())
	assert.False(t, MessageType("carrier-pigeon").Control())
}

func TestNewMessage(t *testing.T) {
	m := NewMessage(TypeTaskAssign, AgentRef{Role: RoleManager, ID: "mgr-1"}, AgentRef{Role: RoleWorker})

	_, err := uuid.Parse(m.ID)
	assert.NoError(t, err, "new message should mint a valid UUID")
	assert.Equal(t, TypeTaskAssign, m.Type)
	assert.NotZero(t, m.TimestampMs)
	assert.Equal(t, 0, m.Attempt)
}

func TestMessageReply(t *testing.T) {
	sender := AgentRef{Role: RoleManager, ID: "mgr-1"}
	worker := AgentRef{Role: RoleWorker, ID: "agent-2"}

	t.Run("uses existing correlation id", func(t *testing.T) {
		req := NewMessage(TypeTaskAssign, sender, worker)
		req.CorrelationID = "corr-123"

		resp := req.Reply(TypeTaskComplete, worker)
		assert.Equal(t, "corr-123", resp.CorrelationID)
		assert.Equal(t, sender, resp.Recipient)
		assert.Equal(t, worker, resp.Sender)
	})

	t.Run("falls back to request id", func(t *testing.T) {
		req := NewMessage(TypeTaskAssign, sender, worker)

		resp := req.Reply(TypeTaskComplete, worker)
		assert.Equal(t, req.ID, resp.CorrelationID)
	})

	t.Run("propagates priority", func(t *testing.T) {
		req := NewMessage(TypeTaskAssign, sender, worker)
		req.Priority = 7

		resp := req.Reply(TypeTaskComplete, worker)
		assert.Equal(t, 7, resp.Priority)
	})
}

func TestMessagePayload(t *testing.T) {
	type taskPayload struct {
		TaskID string `json:"task_id"`
		Prompt string `json:"prompt"`
	}

	m := NewMessage(TypeTaskAssign, AgentRef{Role: RoleManager, ID: "m"}, AgentRef{Role: RoleWorker})
	require.NoError(t, m.SetPayload(taskPayload{TaskID: "t-1", Prompt: "do the thing"}))

	var decoded taskPayload
	require.NoError(t, m.DecodePayload(&decoded))
	assert.Equal(t, "t-1", decoded.TaskID)
	assert.Equal(t, "do the thing", decoded.Prompt)
}

func TestMessageDecodeEmptyPayload(t *testing.T) {
	m := NewMessage(TypePing, AgentRef{Role: RoleManager, ID: "m"}, AgentRef{Role: RoleWorker, ID: "w"})

	var v map[string]any
	err := m.DecodePayload(&v)
	assert.Error(t, err)
}

func TestMessageValidate(t *testing.T) {
	valid := func() *Message {
		return NewMessage(TypeTaskAssign, AgentRef{Role: RoleManager, ID: "mgr-1"}, AgentRef{Role: RoleWorker})
	}

	t.Run("valid message passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("unknown type still passes", func(t *testing.T) {
		m := valid()
		m.Type = "future-thing"
		assert.NoError(t, m.Validate())
	})

	t.Run("rejects non-uuid id", func(t *testing.T) {
		m := valid()
		m.ID = "not-a-uuid"
		assert.Error(t, m.Validate())
	})

	t.Run("rejects empty id", func(t *testing.T) {
		m := valid()
		m.ID = ""
		assert.Error(t, m.Validate())
	})

	t.Run("rejects empty type", func(t *testing.T) {
		m := valid()
		m.Type = ""
		assert.Error(t, m.Validate())
	})

	t.Run("rejects invalid sender role", func(t *testing.T) {
		m := valid()
		m.Sender.Role = "overseer"
		assert.Error(t, m.Validate())
	})

	t.Run("rejects empty recipient", func(t *testing.T) {
		m := valid()
		m.Recipient = AgentRef{}
		assert.Error(t, m.Validate())
	})

	t.Run("rejects negative attempt", func(t *testing.T) {
		m := valid()
		m.Attempt = -1
		assert.Error(t, m.Validate())
	})
}
