package commands

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/watch"
	"github.com/spf13/cobra"
)

var watchTaskID string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream state-change events",
	Long: `Stream session and task state changes as the coordinator applies
them.

With --task the stream is filtered to one task and ends when it reaches
a terminal status. Without a filter the stream runs until interrupted.

Examples:
  # Watch everything on this instance
  warren watch

  # Follow one task until it settles
  warren watch --task 7f3c9b2e-...`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchTaskID, "task", "", "Follow a single task until it settles")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		cancel()
	}()

	store, err := connectStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if watchTaskID != "" {
		printer.Step("Following task %s\n", watchTaskID)
	} else {
		printer.Step("Watching instance '%s' (Ctrl-C to stop)\n", store.InstanceName())
	}

	err = watch.StreamEvents(ctx, store, watchTaskID, os.Stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
