package gate

import (
	"context"
	"testing"
	"time"

	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, cfgs ...config.GateConfig) *Manager {
	t.Helper()
	mgr, err := NewManager(cfgs, metrics.New("test-instance"), "test-instance")
	require.NoError(t, err)
	return mgr
}

func TestNewManagerRejectsBadConfig(t *testing.T) {
	m := metrics.New("test-instance")

	tests := []struct {
		name string
		cfgs []config.GateConfig
	}{
		{
			name: "duplicate gate names",
			cfgs: []config.GateConfig{{Name: "review"}, {Name: "review"}},
		},
		{
			name: "unknown validator kind",
			cfgs: []config.GateConfig{{Name: "review", Validators: []config.ValidatorConfig{
				{Name: "v", Kind: "telepathy", Weight: 1},
			}}},
		},
		{
			name: "substring without parameter",
			cfgs: []config.GateConfig{{Name: "review", Validators: []config.ValidatorConfig{
				{Name: "v", Kind: KindSubstring, Weight: 1},
			}}},
		},
		{
			name: "invalid regexp pattern",
			cfgs: []config.GateConfig{{Name: "review", Validators: []config.ValidatorConfig{
				{Name: "v", Kind: KindRegexp, Weight: 1, Params: map[string]string{"pattern": "("}},
			}}},
		},
		{
			name: "non-integer length bound",
			cfgs: []config.GateConfig{{Name: "review", Validators: []config.ValidatorConfig{
				{Name: "v", Kind: KindLength, Weight: 1, Params: map[string]string{"min": "ten"}},
			}}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfgs, m, "test-instance")
			assert.Error(t, err)
		})
	}
}

func TestEvaluateUnknownGate(t *testing.T) {
	mgr := newTestManager(t)
	_, err := mgr.Evaluate(context.Background(), "missing", Artifact{})
	assert.Error(t, err)
}

func TestEvaluateWeightedAverage(t *testing.T) {
	mgr := newTestManager(t, config.GateConfig{
		Name:        "review",
		Threshold:   0.6,
		Aggregation: config.AggregationWeightedAverage,
		Validators: []config.ValidatorConfig{
			{Name: "has-summary", Kind: KindSubstring, Weight: 3, Params: map[string]string{"substring": "summary"}},
			{Name: "long-enough", Kind: KindLength, Weight: 1, Params: map[string]string{"min": "1000"}},
		},
	})

	// Substring passes (weight 3), length fails (weight 1): score 0.75.
	result, err := mgr.Evaluate(context.Background(), "review", Artifact{TaskID: "t-1", Content: "summary: fine"})
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.InDelta(t, 0.75, result.Score, 1e-9)
	require.Len(t, result.Results, 2)
	assert.True(t, result.Results[0].Passed)
	assert.False(t, result.Results[1].Passed)
}

func TestEvaluateRejectionCarriesFindings(t *testing.T) {
	mgr := newTestManager(t, config.GateConfig{
		Name:        "review",
		Threshold:   0.9,
		Aggregation: config.AggregationWeightedAverage,
		Validators: []config.ValidatorConfig{
			{Name: "has-summary", Kind: KindSubstring, Weight: 1, Params: map[string]string{"substring": "summary"}},
		},
	})

	result, err := mgr.Evaluate(context.Background(), "review", Artifact{TaskID: "t-1", Content: "nothing useful"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.Findings)
	assert.Contains(t, result.Findings[0], "has-summary")
}

func TestEvaluateAllMustPass(t *testing.T) {
	mgr := newTestManager(t, config.GateConfig{
		Name:        "strict",
		Threshold:   0.1,
		Aggregation: config.AggregationAllMustPass,
		Validators: []config.ValidatorConfig{
			{Name: "wellformed", Kind: KindJSONWellformed, Weight: 1},
			{Name: "has-result", Kind: KindSubstring, Weight: 5, Params: map[string]string{"substring": "result"}},
		},
	})
	ctx := context.Background()

	// High weighted score is not enough; every validator must pass.
	result, err := mgr.Evaluate(ctx, "strict", Artifact{Content: `result but not json`})
	require.NoError(t, err)
	assert.False(t, result.Passed)

	result, err = mgr.Evaluate(ctx, "strict", Artifact{Content: `{"result": 42}`})
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestEvaluateRegexp(t *testing.T) {
	mgr := newTestManager(t, config.GateConfig{
		Name:        "format",
		Threshold:   1,
		Aggregation: config.AggregationWeightedAverage,
		Validators: []config.ValidatorConfig{
			{Name: "version-line", Kind: KindRegexp, Weight: 1, Params: map[string]string{"pattern": `^v\d+\.\d+`}},
		},
	})

	result, err := mgr.Evaluate(context.Background(), "format", Artifact{Content: "v1.2 release notes"})
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func humanGate(failOpen bool) config.GateConfig {
	return config.GateConfig{
		Name:                   "sign-off",
		Threshold:              1,
		Aggregation:            config.AggregationWeightedAverage,
		FailOpen:               failOpen,
		DecisionTimeoutSeconds: 1,
		Validators: []config.ValidatorConfig{
			{Name: "reviewer", Kind: KindHuman, Weight: 1},
		},
	}
}

func TestHumanDecisionApproves(t *testing.T) {
	mgr := newTestManager(t, humanGate(false))

	type evalResult struct {
		result *ValidationResult
		err    error
	}
	done := make(chan evalResult, 1)
	go func() {
		result, err := mgr.Evaluate(context.Background(), "sign-off", Artifact{TaskID: "t-1", CorrelationID: "corr-1", Content: "artifact"})
		done <- evalResult{result, err}
	}()

	// The evaluation suspends until the decision arrives.
	require.Eventually(t, func() bool {
		return mgr.Resolve("corr-1", true, "looks good")
	}, 2*time.Second, 10*time.Millisecond)

	outcome := <-done
	require.NoError(t, outcome.err)
	assert.True(t, outcome.result.Passed)
}

func TestHumanDecisionRejects(t *testing.T) {
	mgr := newTestManager(t, humanGate(false))

	done := make(chan *ValidationResult, 1)
	go func() {
		result, err := mgr.Evaluate(context.Background(), "sign-off", Artifact{TaskID: "t-1", CorrelationID: "corr-1", Content: "artifact"})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool {
		return mgr.Resolve("corr-1", false, "missing tests")
	}, 2*time.Second, 10*time.Millisecond)

	result := <-done
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.Findings)
	assert.Contains(t, result.Findings[0], "missing tests")
}

func TestHumanDecisionTimeoutFailsClosed(t *testing.T) {
	mgr := newTestManager(t, humanGate(false))

	result, err := mgr.Evaluate(context.Background(), "sign-off", Artifact{TaskID: "t-1", CorrelationID: "corr-1", Content: "artifact"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.NotEmpty(t, result.Findings)
	assert.Contains(t, result.Findings[0], "timed out")
}

func TestHumanDecisionTimeoutFailOpenGate(t *testing.T) {
	mgr := newTestManager(t, humanGate(true))

	result, err := mgr.Evaluate(context.Background(), "sign-off", Artifact{TaskID: "t-1", CorrelationID: "corr-1", Content: "artifact"})
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestResolveWithoutWaiter(t *testing.T) {
	mgr := newTestManager(t, humanGate(false))
	assert.False(t, mgr.Resolve("nobody-waiting", true, ""))
}
