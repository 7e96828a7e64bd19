package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/state"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - Agent coordination and task routing engine",
	Long: `Warren coordinates a pool of worker agents over a Redis-backed
message fabric. Tasks are submitted to a coordinator, routed to agents
with circuit breaking and retry, and checked by quality gates before
completion.

The CLI talks to a running coordinator through Redis (REDIS_URL) and
its health endpoint (WARREN_COORDINATOR_ADDR).`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// instanceName resolves the instance namespace from the environment.
func instanceName() string {
	if name := os.Getenv("WARREN_INSTANCE_NAME"); name != "" {
		return name
	}
	return "default"
}

// coordinatorAddr resolves the coordinator's HTTP address for status calls.
func coordinatorAddr() string {
	if addr := os.Getenv("WARREN_COORDINATOR_ADDR"); addr != "" {
		return addr
	}
	return "localhost:8080"
}

// connectStore opens a state store against REDIS_URL and verifies
// connectivity. Callers own the returned store and must Close it.
func connectStore(ctx context.Context) (*state.Store, error) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	store, err := state.NewStore(redisOpts, instanceName())
	if err != nil {
		return nil, fmt.Errorf("failed to create state store: %w", err)
	}

	if err := store.Ping(ctx); err != nil {
		store.Close()
		return nil, printer.Error(
			"Redis connection failed",
			fmt.Sprintf("Could not connect to Redis at %s", redisURL),
			[]string{
				"Check that Redis is running:\n  docker ps | grep redis",
				"Or point REDIS_URL at the right address:\n  export REDIS_URL=redis://host:6379",
			},
		)
	}

	return store, nil
}
