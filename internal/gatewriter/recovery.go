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

package gatewriter

import (
	"context"

	"github.com/conductorrun/agentrun/internal/runmanager"
)

// RecoveryState is the outcome of a recovery scan.
type RecoveryState string

const (
	RecoveryReady           RecoveryState = "ready"
	RecoveryBlocked         RecoveryState = "blocked"
	RecoveryWorkflowComplete RecoveryState = "workflow_complete"
)

// RecoveryResult is returned by Recover.
type RecoveryResult struct {
	Status           RecoveryState
	LastCompletedStep int
	NextStep         int
	RequiredInputs   []string
	MissingInputs    []string
	Reasoning        map[string]Reasoning
}

// WorkflowStepCount answers "how many steps does this workflow declare".
// The Coordinator/Router own the actual workflow definitions; recovery
// only needs the count to decide ready vs workflow_complete.
type WorkflowStepCount func(workflowID string) (int, error)

// Recover implements spec.md §4.10's recovery procedure:
//  1. load run.json
//  2. scan gates/ in descending step order for the highest passing step
//  3. load the artifact registry, filtered to step <= last_completed_step
//     and validation_status == pass
//  4. load reasoning files
//  5. compute the next step from the workflow
//  6. compute missing inputs against the requiredInputs for next step
func Recover(ctx context.Context, rm *runmanager.Manager, gw *Writer, runID string, requiredInputsForStep func(step int) []string, stepCount WorkflowStepCount) (*RecoveryResult, error) {
	run, err := rm.ReadRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	gates, err := gw.ListGates(runID)
	if err != nil {
		return nil, err
	}

	lastCompleted := -1
	for _, g := range gates {
		if g.ValidationStatus == GatePass || g.Allowed {
			lastCompleted = g.Step
			break // gates are sorted step descending
		}
	}

	registry, err := rm.ReadArtifactRegistry(ctx, runID)
	if err != nil {
		return nil, err
	}

	available := make(map[string]bool)
	for name, a := range registry.Artifacts {
		if a.Step <= lastCompleted && a.ValidationStatus == runmanager.ValidationPass {
			available[name] = true
		}
	}

	reasoning, _ := gw.ReadReasoning(runID)

	nextStep := lastCompleted + 1

	total := -1
	if stepCount != nil && run.SelectedWorkflow != "" {
		if n, err := stepCount(run.SelectedWorkflow); err == nil {
			total = n
		}
	}
	if total >= 0 && nextStep >= total {
		return &RecoveryResult{
			Status:            RecoveryWorkflowComplete,
			LastCompletedStep: lastCompleted,
			NextStep:          nextStep,
			Reasoning:         reasoning,
		}, nil
	}

	var required, missing []string
	if requiredInputsForStep != nil {
		required = requiredInputsForStep(nextStep)
		for _, name := range required {
			if !available[name] {
				missing = append(missing, name)
			}
		}
	}

	status := RecoveryReady
	if len(missing) > 0 {
		status = RecoveryBlocked
	}

	return &RecoveryResult{
		Status:            status,
		LastCompletedStep: lastCompleted,
		NextStep:          nextStep,
		RequiredInputs:    required,
		MissingInputs:     missing,
		Reasoning:         reasoning,
	}, nil
}
