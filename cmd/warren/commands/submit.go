package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/internal/watch"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	submitTitle       string
	submitDescription string
	submitPriority    int
	submitSession     string
	submitDependsOn   []string
	submitWatch       bool
	submitTimeout     time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the coordinator",
	Long: `Submit a task to the running coordinator.

The task is published on the coordinator's message channel. The
coordinator validates it, queues it on the agent pool and routes it to
a worker. The generated task id is printed for use with 'warren watch'.

Prerequisites:
  • Running coordinator for this instance
  • Redis reachable via REDIS_URL

Examples:
  # Submit a task
  warren submit --title "Summarise the release notes"

  # Higher priority, follow until it settles
  warren submit --title "Hotfix triage" --priority 8 --watch`,
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitTitle, "title", "t", "", "Task title (required)")
	submitCmd.Flags().StringVarP(&submitDescription, "description", "d", "", "Task description")
	submitCmd.Flags().IntVarP(&submitPriority, "priority", "p", 0, "Task priority (higher runs first)")
	submitCmd.Flags().StringVar(&submitSession, "session", "", "Session id (defaults to the coordinator's session)")
	submitCmd.Flags().StringSliceVar(&submitDependsOn, "depends-on", nil, "Task ids that must complete before this task runs (repeatable)")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Wait for the task to reach a terminal status")
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 10*time.Minute, "How long --watch waits before giving up")
	submitCmd.MarkFlagRequired("title")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	if submitTitle == "" {
		return printer.Error(
			"required flag --title not provided",
			"Usage:\n  warren submit --title \"what you want done\"",
			nil,
		)
	}

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	// The submitter generates the id so it can be printed immediately.
	taskID := uuid.New().String()

	sub := coordinator.Submission{
		TaskID:       taskID,
		SessionID:    submitSession,
		Title:        submitTitle,
		Description:  submitDescription,
		Priority:     submitPriority,
		Dependencies: submitDependsOn,
	}

	msg := wire.NewMessage(wire.TypeTaskSubmit,
		wire.AgentRef{Role: wire.RoleManager, ID: "cli"},
		wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.Priority = submitPriority
	if err := msg.SetPayload(sub); err != nil {
		return fmt.Errorf("failed to encode submission: %w", err)
	}

	receivers, err := store.PublishMessage(ctx, state.CoordinatorChannel(store.InstanceName()), msg)
	if err != nil {
		return fmt.Errorf("failed to publish submission: %w", err)
	}
	if receivers == 0 {
		return printer.Error(
			"coordinator is not running",
			fmt.Sprintf("No coordinator is listening for instance '%s'.", store.InstanceName()),
			[]string{
				"Start the coordinator:\n  coordinator",
				"Or target another instance:\n  export WARREN_INSTANCE_NAME=<name>",
			},
		)
	}

	printer.Success("Task submitted\n")
	printer.Info("Task ID: %s\n", taskID)

	if !submitWatch {
		printer.Info("\nFollow progress with:\n  warren watch --task %s\n", taskID)
		return nil
	}

	printer.Step("Waiting for task to settle...\n")
	task, err := watch.WaitForTerminal(ctx, store, taskID, submitTimeout)
	if err != nil {
		return err
	}
	printTaskOutcome(task)
	if task.Status != state.TaskCompleted {
		return fmt.Errorf("task %s %s", task.ID, task.Status)
	}
	return nil
}

func printTaskOutcome(task *state.TaskRecord) {
	switch task.Status {
	case state.TaskCompleted:
		printer.Success("Task %s completed\n", task.ID)
	case state.TaskCancelled:
		printer.Warning("Task %s was cancelled\n", task.ID)
	default:
		printer.Warning("Task %s %s\n", task.ID, task.Status)
	}
	for _, finding := range task.Findings {
		printer.Info("  - %s\n", finding)
	}
}
