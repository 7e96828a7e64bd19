package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Artifact is a task output presented to a gate for evaluation.
type Artifact struct {
	TaskID        string
	CorrelationID string
	Content       string
}

// Validator scores an artifact. Implementations must be safe for
// concurrent use; the same validator instance serves every evaluation of
// its gate.
type Validator interface {
	Name() string
	Score(ctx context.Context, artifact Artifact) (score float64, passed bool, findings string, err error)
}

// Validator kinds. Closed set; dispatch is by explicit matching in
// newValidator.
const (
	KindLength         = "length"
	KindSubstring      = "substring"
	KindJSONWellformed = "json-wellformed"
	KindRegexp         = "regexp"
	KindHuman          = "human"
)

// lengthValidator checks the artifact length against min/max bounds and
// scores proportionally to how far inside the bounds the content sits.
type lengthValidator struct {
	name string
	min  int
	max  int
}

func (v *lengthValidator) Name() string { return v.name }

func (v *lengthValidator) Score(_ context.Context, artifact Artifact) (float64, bool, string, error) {
	n := len(artifact.Content)
	if n < v.min {
		return 0, false, fmt.Sprintf("content length %d is below the minimum %d", n, v.min), nil
	}
	if v.max > 0 && n > v.max {
		return 0, false, fmt.Sprintf("content length %d exceeds the maximum %d", n, v.max), nil
	}
	return 1, true, "", nil
}

// substringValidator requires a fixed substring to be present.
type substringValidator struct {
	name string
	want string
}

func (v *substringValidator) Name() string { return v.name }

func (v *substringValidator) Score(_ context.Context, artifact Artifact) (float64, bool, string, error) {
	if strings.Contains(artifact.Content, v.want) {
		return 1, true, "", nil
	}
	return 0, false, fmt.Sprintf("required substring %q not found", v.want), nil
}

// jsonValidator requires the artifact to be well-formed JSON.
type jsonValidator struct {
	name string
}

func (v *jsonValidator) Name() string { return v.name }

func (v *jsonValidator) Score(_ context.Context, artifact Artifact) (float64, bool, string, error) {
	if json.Valid([]byte(artifact.Content)) {
		return 1, true, "", nil
	}
	return 0, false, "content is not well-formed JSON", nil
}

// regexpValidator requires the artifact to match a pattern. The pattern is
// compiled once at gate construction.
type regexpValidator struct {
	name    string
	pattern *regexp.Regexp
}

func (v *regexpValidator) Name() string { return v.name }

func (v *regexpValidator) Score(_ context.Context, artifact Artifact) (float64, bool, string, error) {
	if v.pattern.MatchString(artifact.Content) {
		return 1, true, "", nil
	}
	return 0, false, fmt.Sprintf("content does not match pattern %q", v.pattern.String()), nil
}

// humanValidator suspends until an external decision message resolves the
// artifact's correlation id, or the wait times out. The timeout outcome is
// the gate's configured fail-open/fail-closed policy.
type humanValidator struct {
	name     string
	waiters  *decisionWaiters
	timeout  time.Duration
	failOpen bool
}

func (v *humanValidator) Name() string { return v.name }

func (v *humanValidator) Score(ctx context.Context, artifact Artifact) (float64, bool, string, error) {
	if artifact.CorrelationID == "" {
		return 0, false, "human review requires a correlation id", nil
	}

	wait := v.waiters.register(artifact.CorrelationID)
	defer v.waiters.drop(artifact.CorrelationID)

	timer := time.NewTimer(v.timeout)
	defer timer.Stop()

	select {
	case decision := <-wait:
		if decision.Approved {
			return 1, true, decision.Findings, nil
		}
		findings := decision.Findings
		if findings == "" {
			findings = "rejected by human reviewer"
		}
		return 0, false, findings, nil

	case <-timer.C:
		if v.failOpen {
			return 1, true, fmt.Sprintf("human decision wait timed out after %s, gate is fail-open", v.timeout), nil
		}
		return 0, false, fmt.Sprintf("human decision wait timed out after %s", v.timeout), nil

	case <-ctx.Done():
		return 0, false, "", ctx.Err()
	}
}

// intParam reads an integer parameter, returning fallback when absent.
func intParam(params map[string]string, key string, fallback int) (int, error) {
	raw, exists := params[key]
	if !exists {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s must be an integer, got %q", key, raw)
	}
	return value, nil
}
