package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/spf13/cobra"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions for this instance",
	Long: `List sessions for this instance, newest first, with their task
counts.

Use --json for machine-readable output.`,
	RunE: runSessions,
}

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastTouchedMs > sessions[j].LastTouchedMs
	})

	if sessionsJSON {
		data, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal sessions: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	if len(sessions) == 0 {
		printer.Info("No sessions\n")
		return nil
	}

	fmt.Printf("%-38s %-8s %-6s %s\n", "SESSION", "STATUS", "TASKS", "LAST ACTIVITY")
	for _, s := range sessions {
		last := time.UnixMilli(s.LastTouchedMs).Format("2006-01-02 15:04:05")
		fmt.Printf("%-38s %-8s %-6d %s\n", s.ID, s.Status, len(s.OwnedTasks), last)
	}
	return nil
}
