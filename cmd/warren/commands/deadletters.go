package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/spf13/cobra"
)

var (
	deadLettersLimit int
	deadLettersJSON  bool
)

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List undeliverable messages",
	Long: `List messages the router gave up on after exhausting delivery
attempts. Newest first.

Use --json for machine-readable output.`,
	RunE: runDeadLetters,
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLettersLimit, "limit", 20, "Maximum entries to show")
	deadLettersCmd.Flags().BoolVar(&deadLettersJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(deadLettersCmd)
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	letters, err := store.DeadLetters(ctx, deadLettersLimit)
	if err != nil {
		return fmt.Errorf("failed to read dead letters: %w", err)
	}

	if deadLettersJSON {
		data, err := json.MarshalIndent(letters, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal dead letters: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	if len(letters) == 0 {
		printer.Info("No dead letters\n")
		return nil
	}

	fmt.Printf("%-10s %-14s %-18s %s\n", "TIME", "TYPE", "RECIPIENT", "REASON")
	for _, dl := range letters {
		ts := time.UnixMilli(dl.DeadAtMs).Format("15:04:05")
		recipient := string(dl.Message.Recipient.Role)
		if dl.Message.Recipient.ID != "" {
			recipient = dl.Message.Recipient.ID
		}
		if len(recipient) > 18 {
			recipient = recipient[:15] + "..."
		}
		fmt.Printf("%-10s %-14s %-18s %s\n", ts, dl.Message.Type, recipient, dl.Reason)
	}
	return nil
}
