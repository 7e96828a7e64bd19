package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("timed out collecting events")
		}
	}
}

func createStartedAgent(t *testing.T, r *ProcessRunner, command ...string) string {
	t.Helper()
	ctx := context.Background()
	agentID, err := r.CreateAgent(ctx, AgentSpec{Role: "worker", Command: command})
	require.NoError(t, err)
	require.NoError(t, r.StartAgent(ctx, agentID))
	return agentID
}

func TestProcessRunnerLifecycle(t *testing.T) {
	r := NewProcessRunner()
	ctx := context.Background()

	t.Run("start rejects unresolvable commands", func(t *testing.T) {
		agentID, err := r.CreateAgent(ctx, AgentSpec{Role: "worker", Command: []string{"no-such-binary-warren"}})
		require.NoError(t, err)
		assert.Error(t, r.StartAgent(ctx, agentID))
	})

	t.Run("health check reports command resolution", func(t *testing.T) {
		agentID := createStartedAgent(t, r, "sh", "-c", "true")
		healthy, _, err := r.HealthCheck(ctx, agentID)
		require.NoError(t, err)
		assert.True(t, healthy)
	})

	t.Run("remove forgets the agent", func(t *testing.T) {
		agentID := createStartedAgent(t, r, "sh", "-c", "true")
		require.NoError(t, r.RemoveAgent(ctx, agentID))
		assert.Error(t, r.RemoveAgent(ctx, agentID))
		_, err := r.ExecuteTask(ctx, agentID, "t-1", "prompt")
		assert.Error(t, err)
	})
}

func TestProcessExecuteTaskStreamsEvents(t *testing.T) {
	r := NewProcessRunner()
	// The tool consumes its stdin and emits a progress event followed by a
	// terminal completed event.
	script := `cat > /dev/null
printf '{"kind":"progress","progress":0.5}\n'
printf '{"kind":"completed","output":"result artifact"}\n'`
	agentID := createStartedAgent(t, r, "sh", "-c", script)

	events, err := r.ExecuteTask(context.Background(), agentID, "t-1", "do the thing")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 2)
	assert.Equal(t, EventProgress, collected[0].Kind)
	assert.Equal(t, 0.5, collected[0].Progress)
	assert.Equal(t, "t-1", collected[0].TaskID)
	assert.Equal(t, EventCompleted, collected[1].Kind)
	assert.Equal(t, "result artifact", collected[1].Output)
}

func TestProcessExecuteTaskReceivesInput(t *testing.T) {
	r := NewProcessRunner()
	// Echo stdin back as an output event payload, then complete.
	script := `input=$(cat)
printf '{"kind":"output","output":%s}\n' "$(printf '%s' "$input" | sed 's/"/\\"/g; s/^/"/; s/$/"/')"
printf '{"kind":"completed"}\n'`
	agentID := createStartedAgent(t, r, "sh", "-c", script)

	events, err := r.ExecuteTask(context.Background(), agentID, "t-42", "hello agent")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 2)
	assert.Contains(t, collected[0].Output, `"task_id":"t-42"`)
	assert.Contains(t, collected[0].Output, "hello agent")
}

func TestProcessExecuteTaskNonJSONOutput(t *testing.T) {
	r := NewProcessRunner()
	script := `cat > /dev/null
echo plain chatter
printf '{"kind":"completed"}\n'`
	agentID := createStartedAgent(t, r, "sh", "-c", script)

	events, err := r.ExecuteTask(context.Background(), agentID, "t-1", "p")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 2)
	assert.Equal(t, EventOutput, collected[0].Kind)
	assert.Equal(t, "plain chatter", collected[0].Output)
}

func TestProcessExecuteTaskFailure(t *testing.T) {
	r := NewProcessRunner()
	script := `cat > /dev/null
echo "boom" >&2
exit 3`
	agentID := createStartedAgent(t, r, "sh", "-c", script)

	events, err := r.ExecuteTask(context.Background(), agentID, "t-1", "p")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 1)
	assert.Equal(t, EventFailed, collected[0].Kind)
	assert.Contains(t, collected[0].Error, "boom")
}

func TestProcessExecuteTaskNoTerminalEvent(t *testing.T) {
	r := NewProcessRunner()
	agentID := createStartedAgent(t, r, "sh", "-c", "cat > /dev/null")

	events, err := r.ExecuteTask(context.Background(), agentID, "t-1", "p")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 1)
	assert.Equal(t, EventFailed, collected[0].Kind)
}

func TestProcessEchoAgentWithoutCommand(t *testing.T) {
	r := NewProcessRunner()
	ctx := context.Background()

	// An empty command is the default configuration's agent.
	agentID, err := r.CreateAgent(ctx, AgentSpec{Role: "worker"})
	require.NoError(t, err)
	require.NoError(t, r.StartAgent(ctx, agentID))

	healthy, _, err := r.HealthCheck(ctx, agentID)
	require.NoError(t, err)
	assert.True(t, healthy)

	events, err := r.ExecuteTask(ctx, agentID, "t-1", "echo me back")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 2)
	assert.Equal(t, EventProgress, collected[0].Kind)
	assert.Equal(t, EventCompleted, collected[1].Kind)
	assert.Equal(t, "echo me back", collected[1].Output)
}

func TestProcessExecuteTaskCancellation(t *testing.T) {
	r := NewProcessRunner()
	agentID := createStartedAgent(t, r, "sh", "-c", "sleep 30")

	ctx, cancel := context.WithCancel(context.Background())
	events, err := r.ExecuteTask(ctx, agentID, "t-1", "p")
	require.NoError(t, err)

	cancel()
	collected := collectEvents(t, events)
	require.NotEmpty(t, collected)
	assert.Equal(t, EventFailed, collected[len(collected)-1].Kind)
}

func TestFakeRunner(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	agentID, err := f.CreateAgent(ctx, AgentSpec{Role: "worker"})
	require.NoError(t, err)

	_, err = f.ExecuteTask(ctx, agentID, "t-1", "p")
	assert.Error(t, err, "unstarted agent cannot execute")

	require.NoError(t, f.StartAgent(ctx, agentID))
	events, err := f.ExecuteTask(ctx, agentID, "t-1", "p")
	require.NoError(t, err)

	collected := collectEvents(t, events)
	require.Len(t, collected, 1)
	assert.Equal(t, EventCompleted, collected[0].Kind)

	f.MarkUnhealthy(agentID, "lost")
	healthy, detail, err := f.HealthCheck(ctx, agentID)
	require.NoError(t, err)
	assert.False(t, healthy)
	assert.Equal(t, "lost", detail)

	require.NoError(t, f.RemoveAgent(ctx, agentID))
	assert.Equal(t, 0, f.AgentCount())
	assert.Equal(t, 1, f.RemovedCount())
}
