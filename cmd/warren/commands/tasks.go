package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/state"
	"github.com/spf13/cobra"
)

var (
	tasksSession string
	tasksJSON    bool
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks in a session",
	Long: `List the tasks owned by a session, oldest first.

Without --session the most recently touched session is used.

Use --json for machine-readable output.`,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().StringVar(&tasksSession, "session", "", "Session id (defaults to the newest session)")
	tasksCmd.Flags().BoolVar(&tasksJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(tasksCmd)
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sessionID := tasksSession
	if sessionID == "" {
		sessionID, err = newestSession(ctx, store)
		if err != nil {
			return err
		}
	}

	tasks, err := store.TasksBySession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to list tasks for session %s: %w", sessionID, err)
	}
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].CreatedAtMs < tasks[j].CreatedAtMs
	})

	if tasksJSON {
		data, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal tasks: %w", err)
		}
		printer.Println(string(data))
		return nil
	}

	if len(tasks) == 0 {
		printer.Info("No tasks in session %s\n", sessionID)
		return nil
	}

	printer.Info("Session %s\n\n", sessionID)
	fmt.Printf("%-38s %-12s %-9s %-38s %s\n", "TASK", "STATUS", "PROGRESS", "AGENT", "UPDATED")
	for _, task := range tasks {
		updated := time.UnixMilli(task.UpdatedAtMs).Format("15:04:05")
		fmt.Printf("%-38s %-12s %-9s %-38s %s\n",
			task.ID, task.Status, fmt.Sprintf("%.0f%%", task.Progress*100), task.AssignedAgent, updated)
	}
	return nil
}

// newestSession returns the most recently touched session's id.
func newestSession(ctx context.Context, store *state.Store) (string, error) {
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		return "", printer.Error(
			"no sessions found",
			fmt.Sprintf("Instance '%s' has no sessions yet.", store.InstanceName()),
			[]string{"Submit a task first:\n  warren submit --title \"...\""},
		)
	}

	newest := sessions[0]
	for _, s := range sessions[1:] {
		if s.LastTouchedMs > newest.LastTouchedMs {
			newest = s
		}
	}
	return newest.ID, nil
}
