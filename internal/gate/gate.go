// Package gate validates task outputs against configurable, scorable
// criteria before a task is accepted as complete. Gates run an ordered
// list of validators, aggregate their scores, and compare against an
// acceptance threshold. A gate may include a human-in-the-loop validator
// that suspends evaluation until an external decision arrives.
package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/metrics"
)

// ValidatorResult is one validator's contribution to a gate outcome.
type ValidatorResult struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Passed   bool    `json:"passed"`
	Findings string  `json:"findings,omitempty"`
	Weight   float64 `json:"weight"`
}

// ValidationResult is a gate's overall verdict on an artifact.
type ValidationResult struct {
	Gate      string            `json:"gate"`
	Score     float64           `json:"score"`
	Passed    bool              `json:"passed"`
	Threshold float64           `json:"threshold"`
	Results   []ValidatorResult `json:"results"`
	Findings  []string          `json:"findings,omitempty"`
}

// Decision is an external human verdict on a suspended evaluation.
type Decision struct {
	Approved bool
	Findings string
}

// decisionWaiters parks suspended human validators keyed by correlation
// id until Resolve delivers a decision.
type decisionWaiters struct {
	mu      sync.Mutex
	waiting map[string]chan Decision
}

func newDecisionWaiters() *decisionWaiters {
	return &decisionWaiters{waiting: make(map[string]chan Decision)}
}

func (w *decisionWaiters) register(correlationID string) <-chan Decision {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch := make(chan Decision, 1)
	w.waiting[correlationID] = ch
	return ch
}

func (w *decisionWaiters) drop(correlationID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiting, correlationID)
}

func (w *decisionWaiters) resolve(correlationID string, decision Decision) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, exists := w.waiting[correlationID]
	if !exists {
		return false
	}
	delete(w.waiting, correlationID)
	ch <- decision
	return true
}

type gateSpec struct {
	cfg        config.GateConfig
	validators []Validator
	weights    []float64
}

// Manager owns the configured gates and the human-decision waiters.
type Manager struct {
	gates        map[string]*gateSpec
	waiters      *decisionWaiters
	metrics      *metrics.Metrics
	instanceName string
}

// NewManager builds the configured gates, compiling validator parameters
// up front so a bad configuration fails at startup, not mid-evaluation.
func NewManager(cfgs []config.GateConfig, m *metrics.Metrics, instanceName string) (*Manager, error) {
	mgr := &Manager{
		gates:        make(map[string]*gateSpec),
		waiters:      newDecisionWaiters(),
		metrics:      m,
		instanceName: instanceName,
	}

	for _, cfg := range cfgs {
		if _, exists := mgr.gates[cfg.Name]; exists {
			return nil, fmt.Errorf("duplicate gate name %q", cfg.Name)
		}

		spec := &gateSpec{cfg: cfg}
		for _, vc := range cfg.Validators {
			validator, err := mgr.newValidator(vc, cfg)
			if err != nil {
				return nil, fmt.Errorf("gate %s: %w", cfg.Name, err)
			}
			spec.validators = append(spec.validators, validator)
			spec.weights = append(spec.weights, vc.Weight)
		}
		mgr.gates[cfg.Name] = spec
	}

	return mgr, nil
}

func (m *Manager) newValidator(vc config.ValidatorConfig, gc config.GateConfig) (Validator, error) {
	switch vc.Kind {
	case KindLength:
		min, err := intParam(vc.Params, "min", 0)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", vc.Name, err)
		}
		max, err := intParam(vc.Params, "max", 0)
		if err != nil {
			return nil, fmt.Errorf("validator %s: %w", vc.Name, err)
		}
		return &lengthValidator{name: vc.Name, min: min, max: max}, nil

	case KindSubstring:
		want, exists := vc.Params["substring"]
		if !exists || want == "" {
			return nil, fmt.Errorf("validator %s requires a substring parameter", vc.Name)
		}
		return &substringValidator{name: vc.Name, want: want}, nil

	case KindJSONWellformed:
		return &jsonValidator{name: vc.Name}, nil

	case KindRegexp:
		pattern, exists := vc.Params["pattern"]
		if !exists {
			return nil, fmt.Errorf("validator %s requires a pattern parameter", vc.Name)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("validator %s: invalid pattern: %w", vc.Name, err)
		}
		return &regexpValidator{name: vc.Name, pattern: re}, nil

	case KindHuman:
		return &humanValidator{
			name:     vc.Name,
			waiters:  m.waiters,
			timeout:  gc.DecisionTimeout(),
			failOpen: gc.FailOpen,
		}, nil

	default:
		return nil, fmt.Errorf("unknown validator kind %q", vc.Kind)
	}
}

// Evaluate runs gateName's validators against the artifact in their
// configured order and aggregates per the gate's rule.
//
// A rejection is a normal result, not an error; the error return is for
// unknown gates and cancelled contexts only. A validator that itself
// errors counts as a zero-score failure with the error recorded in the
// findings, so one broken validator cannot wave an artifact through.
func (m *Manager) Evaluate(ctx context.Context, gateName string, artifact Artifact) (*ValidationResult, error) {
	spec, exists := m.gates[gateName]
	if !exists {
		return nil, fmt.Errorf("unknown quality gate %q", gateName)
	}

	result := &ValidationResult{
		Gate:      gateName,
		Threshold: spec.cfg.Threshold,
	}

	allPassed := true
	var weightedSum, weightTotal float64

	for i, validator := range spec.validators {
		score, passed, findings, err := validator.Score(ctx, artifact)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			score, passed = 0, false
			findings = fmt.Sprintf("validator error: %v", err)
		}

		weight := spec.weights[i]
		result.Results = append(result.Results, ValidatorResult{
			Name:     validator.Name(),
			Score:    score,
			Passed:   passed,
			Findings: findings,
			Weight:   weight,
		})
		if findings != "" {
			result.Findings = append(result.Findings, fmt.Sprintf("%s: %s", validator.Name(), findings))
		}

		weightedSum += score * weight
		weightTotal += weight
		if !passed {
			allPassed = false
		}
	}

	if weightTotal > 0 {
		result.Score = weightedSum / weightTotal
	}

	switch spec.cfg.Aggregation {
	case config.AggregationAllMustPass:
		result.Passed = allPassed
	default:
		result.Passed = result.Score >= spec.cfg.Threshold
	}

	if !result.Passed {
		m.metrics.GateRejections.Inc()
	}
	m.logEvent("gate_evaluated", map[string]interface{}{
		"gate":    gateName,
		"task_id": artifact.TaskID,
		"score":   result.Score,
		"passed":  result.Passed,
	})

	return result, nil
}

// Resolve delivers a human decision to the evaluation suspended on
// correlationID. Returns false when nothing is waiting (the wait may have
// already timed out).
func (m *Manager) Resolve(correlationID string, approved bool, findings string) bool {
	return m.waiters.resolve(correlationID, Decision{Approved: approved, Findings: findings})
}

// HasGate reports whether gateName is configured.
func (m *Manager) HasGate(gateName string) bool {
	_, exists := m.gates[gateName]
	return exists
}

// logEvent logs a structured event in JSON format.
func (m *Manager) logEvent(eventType string, data map[string]interface{}) {
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	data["level"] = "info"
	data["component"] = "gate"
	data["event_type"] = eventType
	data["instance_name"] = m.instanceName

	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Printf("[Gate] Failed to marshal log event: %v", err)
		return
	}
	log.Println(string(jsonData))
}
