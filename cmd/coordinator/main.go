package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/coordinator"
	"github.com/dyluth/warren/internal/runner"
	"github.com/dyluth/warren/internal/state"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	instanceName := os.Getenv("WARREN_INSTANCE_NAME")
	if instanceName == "" {
		instanceName = "default"
	}
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		redisURL = "redis://localhost:6379"
	}

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	store, err := state.NewStore(redisOpts, instanceName)
	if err != nil {
		return fmt.Errorf("failed to create state store: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("redis not accessible at %s: %w", redisURL, err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	backend, cleanup, err := buildRunner(ctx, cfg, instanceName)
	if err != nil {
		return err
	}
	defer cleanup()

	healthAddr := os.Getenv("WARREN_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8080"
	}

	coord, err := coordinator.New(cfg, store, backend, healthAddr)
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	if err := coord.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	fmt.Printf("Coordinator starting for instance '%s' (session %s)\n", instanceName, coord.SessionID())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	errCh := make(chan error, 1)
	go func() {
		errCh <- coord.Run(runCtx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("Received signal %v, shutting down gracefully...\n", sig)
		cancel()
		if runErr := <-errCh; runErr != nil {
			return runErr
		}
	case runErr := <-errCh:
		if runErr != nil {
			return fmt.Errorf("coordinator error: %w", runErr)
		}
	}

	fmt.Println("Coordinator stopped")
	return nil
}

// loadConfig reads warren.yml from WARREN_CONFIG or the working directory.
// A missing file is not an error; built-in defaults apply.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("WARREN_CONFIG")
	explicit := path != ""
	if path == "" {
		path = "warren.yml"
	}

	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			fmt.Printf("No %s found, using default configuration\n", path)
			return config.Default(), nil
		}
		return nil, err
	}
	return cfg, nil
}

// buildRunner selects the execution backend from runner.kind. The returned
// cleanup releases backend resources and is safe to call once.
func buildRunner(ctx context.Context, cfg *config.Config, instanceName string) (runner.Runner, func(), error) {
	switch cfg.Runner.Kind {
	case config.RunnerDocker:
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Docker client: %w", err)
		}
		if _, err := cli.Ping(ctx); err != nil {
			cli.Close()
			return nil, nil, fmt.Errorf("docker not accessible: %w", err)
		}
		networkName := os.Getenv("WARREN_NETWORK_NAME")
		return runner.NewDockerRunner(cli, instanceName, networkName), func() { cli.Close() }, nil
	case config.RunnerProcess:
		return runner.NewProcessRunner(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown runner kind %q", cfg.Runner.Kind)
	}
}
