package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dyluth/warren/internal/pool"
	"github.com/dyluth/warren/internal/printer"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator pool status",
	Long: `Show the coordinator's pool status: agent counts, queue depth and
recent scaling activity.

Reads the coordinator's HTTP status endpoint (WARREN_COORDINATOR_ADDR,
default localhost:8080).

Use --json for machine-readable output.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := coordinatorAddr()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(fmt.Sprintf("http://%s/status", addr))
	if err != nil {
		return printer.Error(
			"coordinator is not reachable",
			fmt.Sprintf("Could not fetch status from http://%s/status", addr),
			[]string{
				"Start the coordinator:\n  coordinator",
				"Or point at the right address:\n  export WARREN_COORDINATOR_ADDR=host:port",
			},
		)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status endpoint returned %s", resp.Status)
	}

	if statusJSON {
		printer.Println(string(body))
		return nil
	}

	var metrics pool.PoolMetrics
	if err := json.Unmarshal(body, &metrics); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}

	printPoolTable(metrics)
	return nil
}

func printPoolTable(m pool.PoolMetrics) {
	printer.Info("Agents: %d total, %d idle, %d busy\n", m.TotalAgents, m.IdleAgents, m.BusyAgents)
	printer.Info("Queue:  %d waiting\n", m.QueueLength)
	if m.AverageTaskSeconds > 0 {
		printer.Info("Average task time: %.1fs\n", m.AverageTaskSeconds)
	}

	if len(m.Agents) > 0 {
		printer.Println()
		fmt.Printf("%-38s %-10s %-10s %s\n", "AGENT", "ROLE", "STATUS", "TASKS")
		for _, a := range m.Agents {
			fmt.Printf("%-38s %-10s %-10s %d\n", a.ID, a.Role, a.Status, a.RunningTasks)
		}
	}

	if len(m.ScaleEvents) > 0 {
		printer.Println()
		fmt.Printf("%-10s %-8s %s\n", "TIME", "SCALE", "REASON")
		for _, ev := range m.ScaleEvents {
			ts := time.UnixMilli(ev.AtMs).Format("15:04:05")
			fmt.Printf("%-10s %-8s %s\n", ts, ev.Direction, ev.Reason)
		}
	}
}
