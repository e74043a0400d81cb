// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package planreview implements the Plan Review Gate from spec.md
// §4.4: a reviewer matrix keyed by task type, weighted score
// aggregation, and a blocking threshold.
package planreview

import (
	"fmt"

	"github.com/expr-lang/expr"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// ReviewerRole distinguishes a required reviewer (must weigh in) from
// an optional one (weighed if present, ignored if absent).
type ReviewerRole string

const (
	RoleRequired ReviewerRole = "required"
	RoleOptional ReviewerRole = "optional"
)

// ReviewerSpec names a reviewer agent and its role for a task type.
// When clause is non-empty, the reviewer is only pulled into the
// matrix for plans whose metadata satisfies the expr-lang predicate
// (e.g. `plan.risk == "high"`); an empty clause always applies.
type ReviewerSpec struct {
	Agent string
	Role  ReviewerRole
	When  string
}

// applies evaluates spec.When against planMeta, defaulting to true
// when no predicate is set.
func (spec ReviewerSpec) applies(planMeta map[string]any) (bool, error) {
	if spec.When == "" {
		return true, nil
	}
	out, err := expr.Eval(spec.When, map[string]any{"plan": planMeta})
	if err != nil {
		return false, orcherrors.Wrap(err, "evaluate reviewer predicate")
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, &orcherrors.ValidationError{
			Field:   "when",
			Message: fmt.Sprintf("reviewer predicate %q must evaluate to a bool", spec.When),
		}
	}
	return ok, nil
}

// Matrix maps a task type to the reviewers who must weigh in on plans
// of that type.
type Matrix map[string][]ReviewerSpec

// Score is one reviewer's verdict on a plan. BlockingIssues carries any
// blocking/critical issues that reviewer raised against the plan,
// independent of its numeric Value.
type Score struct {
	Agent          string
	Value          float64
	BlockingIssues []string
}

// Weights controls required vs optional reviewer weighting in the
// aggregate score, per spec.md §4.4's weighted_avg formula.
type Weights struct {
	Required float64
	Optional float64
}

// DefaultWeights matches spec.md §4.4's suggested default split.
var DefaultWeights = Weights{Required: 0.7, Optional: 0.3}

// Policy controls the pass/fail rule beyond the weighted average,
// per spec.md §4.4: a plan whose overall score clears MinimumScore can
// still be blocked if any reviewer's own score falls below
// BlockingThreshold (when AnyReviewerBelowThresholdBlocks is set), or
// if any reviewer reported a blocking/critical issue outright.
type Policy struct {
	MinimumScore                    float64
	BlockingThreshold                float64
	AnyReviewerBelowThresholdBlocks bool
}

// BlockingIssue attributes a blocking/critical issue (or a
// below-threshold score, when the policy treats that as blocking) to
// the reviewer that raised it.
type BlockingIssue struct {
	Agent  string
	Reason string
}

// Result is the gate's verdict for one plan review round.
type Result struct {
	WeightedScore   float64
	Passed          bool
	MissingRequired []string
	BlockingIssues  []BlockingIssue
}

// Evaluate computes the weighted average of scores for taskType against
// matrix, and passes the gate only if every required reviewer whose
// When predicate matches planMeta submitted a score, the weighted
// average meets policy.MinimumScore, no active reviewer's score falls
// below policy.BlockingThreshold when
// policy.AnyReviewerBelowThresholdBlocks is set, and no reviewer
// reported a blocking issue.
func Evaluate(matrix Matrix, taskType string, scores []Score, policy Policy, weights Weights, planMeta map[string]any) (*Result, error) {
	specs, ok := matrix[taskType]
	if !ok {
		return nil, &orcherrors.ValidationError{
			Field:   "task_type",
			Message: fmt.Sprintf("no reviewer matrix entry for task type %q", taskType),
		}
	}

	byAgent := make(map[string]Score, len(scores))
	for _, s := range scores {
		byAgent[s.Agent] = s
	}

	var requiredSum, requiredCount float64
	var optionalSum, optionalCount float64
	var missing []string
	var blocking []BlockingIssue

	for _, spec := range specs {
		active, err := spec.applies(planMeta)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}

		s, present := byAgent[spec.Agent]
		switch spec.Role {
		case RoleRequired:
			if !present {
				missing = append(missing, spec.Agent)
				continue
			}
			requiredSum += s.Value
			requiredCount++
		case RoleOptional:
			if !present {
				continue
			}
			optionalSum += s.Value
			optionalCount++
		}

		if !present {
			continue
		}
		if policy.AnyReviewerBelowThresholdBlocks && s.Value < policy.BlockingThreshold {
			blocking = append(blocking, BlockingIssue{
				Agent:  s.Agent,
				Reason: fmt.Sprintf("score %.2f below blocking threshold %.2f", s.Value, policy.BlockingThreshold),
			})
		}
		for _, issue := range s.BlockingIssues {
			blocking = append(blocking, BlockingIssue{Agent: s.Agent, Reason: issue})
		}
	}

	if len(missing) > 0 {
		return &Result{MissingRequired: missing, Passed: false, BlockingIssues: blocking}, nil
	}

	var requiredAvg, optionalAvg float64
	if requiredCount > 0 {
		requiredAvg = requiredSum / requiredCount
	}
	if optionalCount > 0 {
		optionalAvg = optionalSum / optionalCount
	}

	w := weights
	if w.Required == 0 && w.Optional == 0 {
		w = DefaultWeights
	}

	weighted := requiredAvg*w.Required + optionalAvg*w.Optional
	passed := weighted >= policy.MinimumScore && len(blocking) == 0

	return &Result{
		WeightedScore:  weighted,
		Passed:         passed,
		BlockingIssues: blocking,
	}, nil
}
