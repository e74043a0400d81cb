package planreview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMatrix() Matrix {
	return Matrix{
		"feature": {
			{Agent: "architect", Role: RoleRequired},
			{Agent: "security", Role: RoleRequired},
			{Agent: "stylist", Role: RoleOptional},
		},
	}
}

func policyWithMinimum(min float64) Policy {
	return Policy{MinimumScore: min}
}

func TestEvaluatePassesAboveThreshold(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9},
		{Agent: "security", Value: 0.9},
		{Agent: "stylist", Value: 0.8},
	}, policyWithMinimum(0.7), DefaultWeights, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
}

func TestEvaluateBlocksOnMissingRequiredReviewer(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9},
	}, policyWithMinimum(0.5), DefaultWeights, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.MissingRequired, "security")
}

func TestEvaluateOptionalReviewerIsNotRequired(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9},
		{Agent: "security", Value: 0.9},
	}, policyWithMinimum(0.5), DefaultWeights, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.MissingRequired)
}

func TestEvaluateFailsBelowThreshold(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.4},
		{Agent: "security", Value: 0.4},
	}, policyWithMinimum(0.6), DefaultWeights, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
}

func TestEvaluateUnknownTaskTypeErrors(t *testing.T) {
	m := sampleMatrix()
	_, err := Evaluate(m, "unknown", nil, policyWithMinimum(0.5), DefaultWeights, nil)
	assert.Error(t, err)
}

func TestEvaluateSkipsReviewerWhenPredicateFalse(t *testing.T) {
	m := Matrix{
		"feature": {
			{Agent: "architect", Role: RoleRequired},
			{Agent: "security", Role: RoleRequired, When: `plan.risk == "high"`},
		},
	}
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9},
	}, policyWithMinimum(0.5), DefaultWeights, map[string]any{"risk": "low"})
	require.NoError(t, err)
	assert.True(t, result.Passed, "security reviewer should not be required when risk is low")
}

func TestEvaluateAppliesReviewerWhenPredicateTrue(t *testing.T) {
	m := Matrix{
		"feature": {
			{Agent: "architect", Role: RoleRequired},
			{Agent: "security", Role: RoleRequired, When: `plan.risk == "high"`},
		},
	}
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9},
	}, policyWithMinimum(0.5), DefaultWeights, map[string]any{"risk": "high"})
	require.NoError(t, err)
	assert.False(t, result.Passed)
	assert.Contains(t, result.MissingRequired, "security")
}

// TestEvaluateBlockingThresholdOverridesPassingAverage mirrors spec.md's
// end-to-end scenario 4: a weighted average that would otherwise pass is
// blocked because one required reviewer's own score falls below the
// blocking threshold.
func TestEvaluateBlockingThresholdOverridesPassingAverage(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 8},
		{Agent: "security", Value: 3},
	}, Policy{
		MinimumScore:                    1,
		BlockingThreshold:                5,
		AnyReviewerBelowThresholdBlocks: true,
	}, DefaultWeights, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.BlockingIssues, 1)
	assert.Equal(t, "security", result.BlockingIssues[0].Agent)
}

func TestEvaluateBlockingThresholdIgnoredWhenPolicyInactive(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 8},
		{Agent: "security", Value: 3},
	}, Policy{MinimumScore: 1, BlockingThreshold: 5}, DefaultWeights, nil)
	require.NoError(t, err)
	assert.True(t, result.Passed)
	assert.Empty(t, result.BlockingIssues)
}

func TestEvaluateExplicitBlockingIssueAlwaysBlocks(t *testing.T) {
	m := sampleMatrix()
	result, err := Evaluate(m, "feature", []Score{
		{Agent: "architect", Value: 0.9, BlockingIssues: []string{"missing rollback plan"}},
		{Agent: "security", Value: 0.9},
	}, policyWithMinimum(0.5), DefaultWeights, nil)
	require.NoError(t, err)
	assert.False(t, result.Passed)
	require.Len(t, result.BlockingIssues, 1)
	assert.Equal(t, "architect", result.BlockingIssues[0].Agent)
	assert.Equal(t, "missing rollback plan", result.BlockingIssues[0].Reason)
}
