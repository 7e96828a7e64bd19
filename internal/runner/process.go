package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

const (
	// maxOutputSize caps the bytes read from an agent's stdout/stderr (10MB).
	maxOutputSize = 10 * 1024 * 1024

	// maxEventLine caps a single stdout event line (1MB).
	maxEventLine = 1024 * 1024
)

// processAgent is one subprocess-backed agent. The agent is a command
// template; each task execution spawns a fresh subprocess.
type processAgent struct {
	id      string
	spec    AgentSpec
	started bool
}

// ProcessRunner executes tasks as subprocesses speaking a JSON contract:
// the task input arrives on stdin, and each stdout line is a JSON event
// (progress, output, completed, failed).
type ProcessRunner struct {
	mu     sync.Mutex
	agents map[string]*processAgent
}

// NewProcessRunner creates a subprocess runner.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{agents: make(map[string]*processAgent)}
}

// CreateAgent registers an agent command template. An empty command
// creates an echo agent: tasks complete immediately with the prompt as
// the artifact, which is what the default configuration runs.
func (r *ProcessRunner) CreateAgent(_ context.Context, spec AgentSpec) (string, error) {
	agent := &processAgent{id: uuid.New().String(), spec: spec}
	r.mu.Lock()
	r.agents[agent.id] = agent
	r.mu.Unlock()
	return agent.id, nil
}

// StartAgent marks the agent ready. The subprocess itself is spawned per
// task, so start only validates that the command can be found.
func (r *ProcessRunner) StartAgent(_ context.Context, agentID string) error {
	agent, err := r.get(agentID)
	if err != nil {
		return err
	}

	if len(agent.spec.Command) > 0 {
		if _, err := exec.LookPath(agent.spec.Command[0]); err != nil {
			return fmt.Errorf("agent command not executable: %w", err)
		}
	}

	r.mu.Lock()
	agent.started = true
	r.mu.Unlock()
	return nil
}

// HealthCheck verifies the agent's command is still resolvable.
func (r *ProcessRunner) HealthCheck(_ context.Context, agentID string) (bool, string, error) {
	agent, err := r.get(agentID)
	if err != nil {
		return false, "", err
	}

	if len(agent.spec.Command) > 0 {
		if _, err := exec.LookPath(agent.spec.Command[0]); err != nil {
			return false, fmt.Sprintf("command %s not found", agent.spec.Command[0]), nil
		}
	}
	return true, "", nil
}

// RemoveAgent forgets the agent. In-flight executions are owned by their
// contexts and are not torn down here.
func (r *ProcessRunner) RemoveAgent(_ context.Context, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; !exists {
		return errUnknownAgent(agentID)
	}
	delete(r.agents, agentID)
	return nil
}

func (r *ProcessRunner) get(agentID string) (*processAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil, errUnknownAgent(agentID)
	}
	return agent, nil
}

// ExecuteTask spawns the agent's command, feeds the task input on stdin
// and streams stdout event lines. The subprocess is killed when ctx is
// cancelled; the stream always ends with a terminal event.
func (r *ProcessRunner) ExecuteTask(ctx context.Context, agentID, taskID, prompt string) (<-chan Event, error) {
	agent, err := r.get(agentID)
	if err != nil {
		return nil, err
	}
	if !agent.started {
		return nil, fmt.Errorf("agent %s has not been started", agentID)
	}
	if len(agent.spec.Command) == 0 {
		return r.echo(ctx, taskID, prompt), nil
	}

	input, err := json.Marshal(taskInput{TaskID: taskID, Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task input: %w", err)
	}

	cmd := exec.CommandContext(ctx, agent.spec.Command[0], agent.spec.Command[1:]...)
	cmd.Env = append(cmd.Environ(), agent.spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}

	stderrBuf := &bytes.Buffer{}
	cmd.Stderr = &limitedWriter{w: stderrBuf, limit: maxOutputSize}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write(input); err != nil {
			log.Printf("[Runner] Failed to write task input to agent %s: %v", agentID, err)
		}
	}()

	events := make(chan Event, 16)
	go r.stream(cmd, stdout, stderrBuf, taskID, events)
	return events, nil
}

// echo is the built-in behavior for agents without a command: the task
// completes immediately with the prompt as the artifact.
func (r *ProcessRunner) echo(ctx context.Context, taskID, prompt string) <-chan Event {
	events := make(chan Event, 2)
	go func() {
		defer close(events)
		select {
		case <-ctx.Done():
			events <- Event{Kind: EventFailed, TaskID: taskID, Error: "task execution cancelled"}
		default:
			events <- Event{Kind: EventProgress, TaskID: taskID, Progress: 1}
			events <- Event{Kind: EventCompleted, TaskID: taskID, Output: prompt}
		}
	}()
	return events
}

// stream reads stdout event lines until the process exits, then emits the
// terminal event if the tool did not produce one itself.
func (r *ProcessRunner) stream(cmd *exec.Cmd, stdout io.Reader, stderr *bytes.Buffer, taskID string, events chan<- Event) {
	defer close(events)

	var sawTerminal bool
	var outputTotal int

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxEventLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		outputTotal += len(line)
		if outputTotal > maxOutputSize {
			break
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Non-JSON chatter on stdout is forwarded as plain output.
			events <- Event{Kind: EventOutput, TaskID: taskID, Output: string(line)}
			continue
		}

		ev.TaskID = taskID
		events <- ev
		if ev.Terminal() {
			sawTerminal = true
		}
	}

	err := cmd.Wait()
	if sawTerminal {
		return
	}

	if err != nil {
		detail := err.Error()
		if stderr.Len() > 0 {
			detail = fmt.Sprintf("%s: %s", detail, truncate(stderr.String(), 500))
		}
		events <- Event{Kind: EventFailed, TaskID: taskID, Error: detail}
		return
	}

	events <- Event{Kind: EventFailed, TaskID: taskID, Error: "agent exited without a terminal event"}
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	full := len(p)
	if lw.n >= lw.limit {
		return full, nil
	}
	if lw.n+len(p) > lw.limit {
		p = p[:lw.limit-lw.n]
	}
	written, err := lw.w.Write(p)
	lw.n += written
	if err != nil {
		return written, err
	}
	return full, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
