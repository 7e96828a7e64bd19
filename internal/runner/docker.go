package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
)

// Label keys applied to every agent container so instances can be listed
// and cleaned up by label.
const (
	LabelProject      = "warren.project"
	LabelInstanceName = "warren.instance.name"
	LabelComponent    = "warren.component"
	LabelAgentRole    = "warren.agent.role"
)

// dockerAgent tracks one agent container.
type dockerAgent struct {
	id          string
	containerID string
	spec        AgentSpec
}

// DockerRunner keeps one long-lived container per agent and executes
// tasks inside it with a container exec speaking the same JSON contract
// as the subprocess runner.
type DockerRunner struct {
	cli          *client.Client
	instanceName string
	networkName  string

	mu     sync.Mutex
	agents map[string]*dockerAgent
}

// NewDockerRunner creates a Docker-backed runner. networkName may be
// empty to use the default network.
func NewDockerRunner(cli *client.Client, instanceName, networkName string) *DockerRunner {
	return &DockerRunner{
		cli:          cli,
		instanceName: instanceName,
		networkName:  networkName,
		agents:       make(map[string]*dockerAgent),
	}
}

func (r *DockerRunner) buildLabels(role string) map[string]string {
	return map[string]string{
		LabelProject:      "true",
		LabelInstanceName: r.instanceName,
		LabelComponent:    "agent",
		LabelAgentRole:    role,
	}
}

// CreateAgent creates (but does not start) the agent's container.
func (r *DockerRunner) CreateAgent(ctx context.Context, spec AgentSpec) (string, error) {
	if spec.Image == "" {
		return "", fmt.Errorf("docker agent requires an image")
	}

	agentID := uuid.New().String()
	containerName := fmt.Sprintf("warren-%s-agent-%s", r.instanceName, agentID[:8])

	containerConfig := &container.Config{
		Image: spec.Image,
		Env: append([]string{
			fmt.Sprintf("WARREN_INSTANCE_NAME=%s", r.instanceName),
			fmt.Sprintf("WARREN_AGENT_ID=%s", agentID),
			fmt.Sprintf("WARREN_AGENT_ROLE=%s", spec.Role),
		}, spec.Env...),
		Labels: r.buildLabels(spec.Role),
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false,
	}
	if r.networkName != "" {
		hostConfig.NetworkMode = container.NetworkMode(r.networkName)
	}

	resp, err := r.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return "", fmt.Errorf("failed to create agent container: %w", err)
	}

	r.mu.Lock()
	r.agents[agentID] = &dockerAgent{id: agentID, containerID: resp.ID, spec: spec}
	r.mu.Unlock()
	return agentID, nil
}

// StartAgent starts the agent's container.
func (r *DockerRunner) StartAgent(ctx context.Context, agentID string) error {
	agent, err := r.get(agentID)
	if err != nil {
		return err
	}

	if err := r.cli.ContainerStart(ctx, agent.containerID, types.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("failed to start agent container: %w", err)
	}
	return nil
}

// HealthCheck inspects the agent's container state.
func (r *DockerRunner) HealthCheck(ctx context.Context, agentID string) (bool, string, error) {
	agent, err := r.get(agentID)
	if err != nil {
		return false, "", err
	}

	inspect, err := r.cli.ContainerInspect(ctx, agent.containerID)
	if err != nil {
		return false, "", fmt.Errorf("failed to inspect agent container: %w", err)
	}

	if inspect.State == nil || !inspect.State.Running {
		return false, fmt.Sprintf("container %s is not running", agent.containerID[:12]), nil
	}
	return true, "", nil
}

// RemoveAgent force-removes the agent's container.
func (r *DockerRunner) RemoveAgent(ctx context.Context, agentID string) error {
	agent, err := r.get(agentID)
	if err != nil {
		return err
	}

	if err := r.cli.ContainerRemove(ctx, agent.containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove agent container: %w", err)
	}

	r.mu.Lock()
	delete(r.agents, agentID)
	r.mu.Unlock()
	return nil
}

func (r *DockerRunner) get(agentID string) (*dockerAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, errUnknownAgent(agentID)
	}
	return agent, nil
}

// ExecuteTask runs the agent's command inside its container via a
// container exec, feeding the task input on the attached stdin and
// reading the result from the demultiplexed output.
func (r *DockerRunner) ExecuteTask(ctx context.Context, agentID, taskID, prompt string) (<-chan Event, error) {
	agent, err := r.get(agentID)
	if err != nil {
		return nil, err
	}
	if len(agent.spec.Command) == 0 {
		return nil, fmt.Errorf("docker agent %s has no task command", agentID)
	}

	input, err := json.Marshal(taskInput{TaskID: taskID, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task input: %w", err)
	}

	execResp, err := r.cli.ContainerExecCreate(ctx, agent.containerID, types.ExecConfig{
		Cmd:          agent.spec.Command,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task exec: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to task exec: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)
		defer attach.Close()

		if _, err := attach.Conn.Write(input); err != nil {
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: fmt.Sprintf("failed to send task input: %v", err)}
			return
		}
		if err := attach.CloseWrite(); err != nil {
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: fmt.Sprintf("failed to close task input: %v", err)}
			return
		}

		stdoutBuf := &bytes.Buffer{}
		stderrBuf := &bytes.Buffer{}
		stdout := &limitedWriter{w: stdoutBuf, limit: maxOutputSize}
		stderr := &limitedWriter{w: stderrBuf, limit: maxOutputSize}
		if _, err := stdcopy.StdCopy(stdout, stderr, attach.Reader); err != nil && ctx.Err() == nil {
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: fmt.Sprintf("failed to read task output: %v", err)}
			return
		}
		if ctx.Err() != nil {
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: "task execution cancelled"}
			return
		}

		inspect, err := r.cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: fmt.Sprintf("failed to inspect task exec: %v", err)}
			return
		}
		if inspect.ExitCode != 0 {
			events <- Event{
				Kind:   EventFailed,
				TaskID: taskID,
				Error:  fmt.Sprintf("task exited with code %d: %s", inspect.ExitCode, truncate(stderrBuf.String(), 500)),
			}
			return
		}

		emitOutputEvents(stdoutBuf.Bytes(), taskID, events)
	}()

	return events, nil
}

// emitOutputEvents parses buffered stdout lines as JSON events, emitting
// a synthesized terminal event when the tool did not produce one.
func emitOutputEvents(output []byte, taskID string, events chan<- Event) {
	sawTerminal := false
	for _, line := range bytes.Split(output, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			events <- Event{Kind: EventOutput, TaskID: taskID, Output: string(line)}
			continue
		}
		ev.TaskID = taskID
		events <- ev
		if ev.Terminal() {
			sawTerminal = true
		}
	}

	if !sawTerminal {
		events <- Event{Kind: EventFailed, TaskID: taskID, Error: "agent exited without a terminal event"}
	}
}
