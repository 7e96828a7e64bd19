package commands

import (
	"context"
	"fmt"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/state"
	"github.com/dyluth/warren/pkg/wire"
	"github.com/spf13/cobra"
)

var (
	decideApprove  bool
	decideReject   bool
	decideFindings string
)

var decideCmd = &cobra.Command{
	Use:   "decide <correlation-id>",
	Short: "Resolve a gate waiting on a human decision",
	Long: `Resolve a quality gate suspended on a human-in-the-loop validator.

The correlation id is printed in the coordinator's log when a gate
suspends. Exactly one of --approve or --reject is required.

Examples:
  warren decide --approve 9a1d44c0-...
  warren decide --reject --findings "summary section missing" 9a1d44c0-...`,
	Args: cobra.ExactArgs(1),
	RunE: runDecide,
}

func init() {
	decideCmd.Flags().BoolVar(&decideApprove, "approve", false, "Approve the suspended gate")
	decideCmd.Flags().BoolVar(&decideReject, "reject", false, "Reject the suspended gate")
	decideCmd.Flags().StringVar(&decideFindings, "findings", "", "Reviewer findings to attach to the decision")
	rootCmd.AddCommand(decideCmd)
}

func runDecide(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	correlationID := args[0]

	if decideApprove == decideReject {
		return printer.Error(
			"exactly one of --approve or --reject is required",
			"A decision must either approve or reject the suspended gate.",
			nil,
		)
	}

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	msg := wire.NewMessage(wire.TypeDecision,
		wire.AgentRef{Role: wire.RoleManager, ID: "cli"},
		wire.AgentRef{Role: wire.RoleManager, ID: "coordinator"})
	msg.CorrelationID = correlationID
	payload := map[string]any{
		"correlation_id": correlationID,
		"approved":       decideApprove,
	}
	if decideFindings != "" {
		payload["findings"] = decideFindings
	}
	if err := msg.SetPayload(payload); err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}

	receivers, err := store.PublishMessage(ctx, state.CoordinatorChannel(store.InstanceName()), msg)
	if err != nil {
		return fmt.Errorf("failed to publish decision: %w", err)
	}
	if receivers == 0 {
		return printer.Error(
			"coordinator is not running",
			fmt.Sprintf("No coordinator is listening for instance '%s'.", store.InstanceName()),
			[]string{"Start the coordinator:\n  coordinator"},
		)
	}

	if decideApprove {
		printer.Success("Approval sent for %s\n", correlationID)
	} else {
		printer.Success("Rejection sent for %s\n", correlationID)
	}
	return nil
}
