package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a queued or running task",
	Long: `Cancel a task. Queued tasks are removed from the pool queue;
running tasks have their execution stopped. Terminal tasks cannot be
cancelled.

Examples:
  warren cancel 7f3c9b2e-...`,
	Args: cobra.ExactArgs(1),
	RunE: runCancel,
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	taskID := args[0]

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	msg := wire.NewMessage(wire.TypeTaskCancel,
		wire.AgentRef{Role: wire.RoleManager, ID: "cli"},
		wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	if err := msg.SetPayload(map[string]string{"task_id": taskID}); err != nil {
		return fmt.Errorf("failed to encode cancel request: %w", err)
	}

	receivers, err := store.PublishMessage(ctx, state.CoordinatorChannel(store.InstanceName()), msg)
	if err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}
	if receivers == 0 {
		return printer.Error(
			"coordinator is not running",
			fmt.Sprintf("No coordinator is listening for instance '%s'.", store.InstanceName()),
			[]string{"Start the coordinator:\n  coordinator"},
		)
	}

	printer.Success("Cancel requested for task %s\n", taskID)
	return nil
}
