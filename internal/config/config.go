// Package config loads and validates warren.yml, the engine configuration.
// Validation is strict: unknown strategies, non-positive bounds and
// inconsistent gate definitions are rejected at load time rather than
// surfacing as runtime surprises.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Selection strategy names accepted by pool.strategy.
const (
	StrategyLeastBusy  = "least-busy"
	StrategyRoundRobin = "round-robin"
)

// Aggregation rule names accepted by gates[].aggregation.
const (
	AggregationWeightedAverage = "weighted-average"
	AggregationAllMustPass     = "all-must-pass"
)

// Runner kinds accepted by runner.kind.
const (
	RunnerProcess = "process"
	RunnerDocker  = "docker"
)

// Config is the top-level warren.yml configuration.
type Config struct {
	Version string       `yaml:"version"`
	Pool    PoolConfig   `yaml:"pool"`
	Router  RouterConfig `yaml:"router"`
	Gates   []GateConfig `yaml:"gates,omitempty"`
	Runner  RunnerConfig `yaml:"runner"`

	// DefaultGate names the quality gate applied to tasks that carry no
	// gate of their own. Empty means ungated completion.
	DefaultGate string `yaml:"default_gate,omitempty"`
}

// PoolConfig controls the elastic agent pool.
type PoolConfig struct {
	MinAgents            int     `yaml:"min_agents"`
	MaxAgents            int     `yaml:"max_agents"`
	MaxQueueSize         int     `yaml:"max_queue_size"`
	Strategy             string  `yaml:"strategy"`
	ScaleUpThreshold     float64 `yaml:"scale_up_threshold"`
	ScaleDownThreshold   float64 `yaml:"scale_down_threshold"`
	ScaleCooldownSeconds int     `yaml:"scale_cooldown_seconds"`
	TaskTimeoutSeconds   int     `yaml:"task_timeout_seconds"`
	DrainGraceSeconds    int     `yaml:"drain_grace_seconds"`
}

// ScaleCooldown returns the anti-thrash window between scale actions.
func (p PoolConfig) ScaleCooldown() time.Duration {
	return time.Duration(p.ScaleCooldownSeconds) * time.Second
}

// TaskTimeout returns the per-task execution deadline.
func (p PoolConfig) TaskTimeout() time.Duration {
	return time.Duration(p.TaskTimeoutSeconds) * time.Second
}

// DrainGrace returns how long shutdown waits for in-flight tasks before
// cancelling them.
func (p PoolConfig) DrainGrace() time.Duration {
	return time.Duration(p.DrainGraceSeconds) * time.Second
}

// RouterConfig controls delivery policy and circuit breaking.
type RouterConfig struct {
	FailureThreshold          int `yaml:"failure_threshold"`
	BreakerCooldownSeconds    int `yaml:"breaker_cooldown_seconds"`
	BreakerMaxCooldownSeconds int `yaml:"breaker_max_cooldown_seconds"`
	MaxAttempts               int `yaml:"max_attempts"`
	MaxDeadLetters            int `yaml:"max_dead_letters"`
}

// BreakerCooldown returns the initial open-circuit cooldown.
func (r RouterConfig) BreakerCooldown() time.Duration {
	return time.Duration(r.BreakerCooldownSeconds) * time.Second
}

// BreakerMaxCooldown returns the cap on doubled cooldowns.
func (r RouterConfig) BreakerMaxCooldown() time.Duration {
	return time.Duration(r.BreakerMaxCooldownSeconds) * time.Second
}

// GateConfig declares a quality gate and its validator chain.
type GateConfig struct {
	Name                   string            `yaml:"name"`
	Threshold              float64           `yaml:"threshold"`
	Aggregation            string            `yaml:"aggregation"`
	FailOpen               bool              `yaml:"fail_open,omitempty"`
	DecisionTimeoutSeconds int               `yaml:"decision_timeout_seconds,omitempty"`
	Validators             []ValidatorConfig `yaml:"validators"`
}

// DecisionTimeout returns how long a human-in-the-loop validator may wait
// for a decision before the gate resolves per its fail_open setting.
func (g GateConfig) DecisionTimeout() time.Duration {
	return time.Duration(g.DecisionTimeoutSeconds) * time.Second
}

// ValidatorConfig declares one validator within a gate.
type ValidatorConfig struct {
	Name   string            `yaml:"name"`
	Kind   string            `yaml:"kind"`
	Weight float64           `yaml:"weight"`
	Params map[string]string `yaml:"params,omitempty"`
}

// RunnerConfig selects and configures the agent execution backend.
type RunnerConfig struct {
	Kind    string   `yaml:"kind"`
	Command []string `yaml:"command,omitempty"`
	Image   string   `yaml:"image,omitempty"`
}

// Load reads and validates a warren.yml file. Defaults for optional fields
// are applied during validation, so the returned config is ready to use.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config in %s: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no warren.yml is present.
func Default() *Config {
	cfg := &Config{Version: "1.0"}
	// Validate never fails on the zero config because it only fills defaults.
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

// Validate performs strict validation and applies defaults for optional
// fields.
func (c *Config) Validate() error {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.Version != "1.0" {
		return fmt.Errorf("unsupported version: %s (expected: 1.0)", c.Version)
	}

	if err := c.Pool.validate(); err != nil {
		return err
	}
	if err := c.Router.validate(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Gates))
	for i := range c.Gates {
		g := &c.Gates[i]
		if err := g.validate(); err != nil {
			return err
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate gate name %q", g.Name)
		}
		seen[g.Name] = true
	}
	if c.DefaultGate != "" && !seen[c.DefaultGate] {
		return fmt.Errorf("default_gate %q is not a configured gate", c.DefaultGate)
	}

	return c.Runner.validate()
}

func (p *PoolConfig) validate() error {
	if p.MinAgents == 0 {
		p.MinAgents = 1
	}
	if p.MaxAgents == 0 {
		p.MaxAgents = 4
	}
	if p.MaxQueueSize == 0 {
		p.MaxQueueSize = 64
	}
	if p.Strategy == "" {
		p.Strategy = StrategyLeastBusy
	}
	if p.ScaleUpThreshold == 0 {
		p.ScaleUpThreshold = 0.75
	}
	if p.ScaleDownThreshold == 0 {
		p.ScaleDownThreshold = 0.25
	}
	if p.ScaleCooldownSeconds == 0 {
		p.ScaleCooldownSeconds = 30
	}
	if p.TaskTimeoutSeconds == 0 {
		p.TaskTimeoutSeconds = 300
	}
	if p.DrainGraceSeconds == 0 {
		p.DrainGraceSeconds = 30
	}

	if p.MinAgents < 1 {
		return fmt.Errorf("pool.min_agents must be >= 1, got %d", p.MinAgents)
	}
	if p.MaxAgents < p.MinAgents {
		return fmt.Errorf("pool.max_agents (%d) must be >= pool.min_agents (%d)", p.MaxAgents, p.MinAgents)
	}
	if p.MaxQueueSize < 1 {
		return fmt.Errorf("pool.max_queue_size must be >= 1, got %d", p.MaxQueueSize)
	}
	if p.Strategy != StrategyLeastBusy && p.Strategy != StrategyRoundRobin {
		return fmt.Errorf("pool.strategy must be %q or %q, got %q", StrategyLeastBusy, StrategyRoundRobin, p.Strategy)
	}
	if p.ScaleUpThreshold <= p.ScaleDownThreshold {
		return fmt.Errorf("pool.scale_up_threshold (%.2f) must be greater than pool.scale_down_threshold (%.2f)",
			p.ScaleUpThreshold, p.ScaleDownThreshold)
	}
	return nil
}

func (r *RouterConfig) validate() error {
	if r.FailureThreshold == 0 {
		r.FailureThreshold = 3
	}
	if r.BreakerCooldownSeconds == 0 {
		r.BreakerCooldownSeconds = 30
	}
	if r.BreakerMaxCooldownSeconds == 0 {
		r.BreakerMaxCooldownSeconds = 300
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 5
	}
	if r.MaxDeadLetters == 0 {
		r.MaxDeadLetters = 1000
	}

	if r.FailureThreshold < 1 {
		return fmt.Errorf("router.failure_threshold must be >= 1, got %d", r.FailureThreshold)
	}
	if r.BreakerMaxCooldownSeconds < r.BreakerCooldownSeconds {
		return fmt.Errorf("router.breaker_max_cooldown_seconds (%d) must be >= router.breaker_cooldown_seconds (%d)",
			r.BreakerMaxCooldownSeconds, r.BreakerCooldownSeconds)
	}
	if r.MaxAttempts < 1 {
		return fmt.Errorf("router.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	return nil
}

func (g *GateConfig) validate() error {
	if g.Name == "" {
		return fmt.Errorf("gate name cannot be empty")
	}
	if g.Aggregation == "" {
		g.Aggregation = AggregationWeightedAverage
	}
	if g.Aggregation != AggregationWeightedAverage && g.Aggregation != AggregationAllMustPass {
		return fmt.Errorf("gate %q: aggregation must be %q or %q, got %q",
			g.Name, AggregationWeightedAverage, AggregationAllMustPass, g.Aggregation)
	}
	if g.Threshold < 0 || g.Threshold > 1 {
		return fmt.Errorf("gate %q: threshold must be in [0,1], got %.2f", g.Name, g.Threshold)
	}
	if g.DecisionTimeoutSeconds == 0 {
		g.DecisionTimeoutSeconds = 120
	}
	if len(g.Validators) == 0 {
		return fmt.Errorf("gate %q: at least one validator is required", g.Name)
	}
	for i := range g.Validators {
		v := &g.Validators[i]
		if v.Name == "" {
			return fmt.Errorf("gate %q: validator %d has no name", g.Name, i)
		}
		if v.Kind == "" {
			return fmt.Errorf("gate %q: validator %q has no kind", g.Name, v.Name)
		}
		if v.Weight == 0 {
			v.Weight = 1
		}
		if v.Weight < 0 {
			return fmt.Errorf("gate %q: validator %q has negative weight", g.Name, v.Name)
		}
	}
	return nil
}

func (r *RunnerConfig) validate() error {
	if r.Kind == "" {
		r.Kind = RunnerProcess
	}
	switch r.Kind {
	case RunnerProcess:
		// Command may be empty: the pool then runs agents with the built-in
		// echo behavior, which is useful for smoke testing.
	case RunnerDocker:
		if r.Image == "" {
			return fmt.Errorf("runner.image is required when runner.kind is %q", RunnerDocker)
		}
	default:
		return fmt.Errorf("runner.kind must be %q or %q, got %q", RunnerProcess, RunnerDocker, r.Kind)
	}
	return nil
}
