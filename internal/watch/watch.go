// Package watch follows task progress for the CLI, either by polling a
// single task until it settles or by streaming state-change events.
package watch

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/warren/internal/state"
)

// WaitForTerminal polls a task until it reaches a terminal status.
// Polls every 200ms until the timeout elapses.
func WaitForTerminal(ctx context.Context, store *state.Store, taskID string, timeout time.Duration) (*state.TaskRecord, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for task %s after %v", taskID, timeout)

		case <-ticker.C:
			task, err := store.GetTask(ctx, taskID)
			if err != nil {
				if state.IsNotFound(err) {
					// The coordinator may not have persisted the record yet.
					continue
				}
				return nil, fmt.Errorf("failed to query task %s: %w", taskID, err)
			}
			if task.Status.Terminal() {
				return task, nil
			}
		}
	}
}

// StreamEvents subscribes to the instance's state-change channel and writes
// one line per event to out. When taskID is non-empty only that task's
// events are written, and the stream ends once the task reaches a terminal
// status. With no filter the stream runs until ctx is cancelled.
func StreamEvents(ctx context.Context, store *state.Store, taskID string, out io.Writer) error {
	sub, err := store.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to state events: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-sub.Errors():
			return fmt.Errorf("event stream failed: %w", err)

		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if taskID != "" && ev.TaskID != taskID {
				continue
			}
			writeEvent(out, ev)
			if taskID != "" && ev.Kind == state.EventTaskUpdated && state.TaskStatus(ev.Status).Terminal() {
				return nil
			}
		}
	}
}

func writeEvent(out io.Writer, ev state.Event) {
	ts := time.UnixMilli(ev.AtMs).Format("15:04:05")
	switch ev.Kind {
	case state.EventTaskUpdated:
		fmt.Fprintf(out, "[%s] task %s -> %s\n", ts, ev.TaskID, ev.Status)
	case state.EventSessionUpdated:
		fmt.Fprintf(out, "[%s] session %s -> %s (v%d)\n", ts, ev.SessionID, ev.Status, ev.Version)
	default:
		fmt.Fprintf(out, "[%s] %s %s\n", ts, ev.Kind, ev.Status)
	}
}
