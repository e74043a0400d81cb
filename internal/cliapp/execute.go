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

package cliapp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/conductorrun/agentrun/internal/contextpacket"
	"github.com/conductorrun/agentrun/internal/coordinator"
	"github.com/conductorrun/agentrun/internal/gatewriter"
	"github.com/conductorrun/agentrun/internal/oracle"
	"github.com/conductorrun/agentrun/internal/planreview"
	"github.com/conductorrun/agentrun/internal/runmanager"
	"github.com/conductorrun/agentrun/internal/skilloptimizer"
	"github.com/conductorrun/agentrun/internal/telemetry"
	"github.com/conductorrun/agentrun/internal/workflow"
)

// executor closes the Flow from spec.md §2 over one run: for each task
// the Coordinator schedules, it gathers dependency artifacts, builds a
// Context Packet, optimizes skill content, delegates to the Oracle,
// and writes the resulting gate/reasoning/artifact records.
type executor struct {
	app         *App
	runID       string
	def         *workflow.Definition
	steps       map[string]workflow.Step
	stepNumbers map[string]int
}

func newExecutor(app *App, runID string, def *workflow.Definition) *executor {
	return &executor{
		app:         app,
		runID:       runID,
		def:         def,
		steps:       def.StepByID(),
		stepNumbers: def.StepNumbers(),
	}
}

// run implements coordinator.TaskRunner.
func (e *executor) run(ctx context.Context, agent string, t coordinator.Task) (string, error) {
	step, ok := e.steps[t.ID]
	if !ok {
		return "", fmt.Errorf("execute: no workflow step found for task %q", t.ID)
	}
	stepNum := e.stepNumbers[t.ID]
	dirs := e.app.RunMgr.GetRunDirectoryStructure(e.runID)

	refs, err := e.gatherReferences(ctx, step)
	if err != nil {
		return "", err
	}

	packet, err := contextpacket.Build(contextpacket.Input{
		Goal:             step.Goal,
		Constraints:      step.Constraints,
		References:       refs,
		DefinitionOfDone: step.DefinitionOfDone,
		WorkspaceRoot:    dirs.Root,
	})
	if err != nil {
		return "", err
	}

	prompt := packet.Rendered
	if opt := e.optimizeSkills(step); opt != "" {
		prompt = prompt + "\nSKILLS\n" + opt
	}

	result, execErr := e.app.Oracle.Exec(ctx, agent, prompt, oracle.ExecOptions{})
	if execErr != nil {
		_ = e.app.Gates.WriteGate(e.runID, gatewriter.Gate{
			Step:             stepNum,
			Agent:            agent,
			ValidationStatus: gatewriter.GateFail,
			Allowed:          false,
			Errors:           []string{execErr.Error()},
		}, false)
		return "", execErr
	}

	if step.ProducesPlan {
		reviewResult, reviewErr := e.evaluatePlanReview(step, result.Stdout)
		if reviewErr != nil {
			return "", reviewErr
		}
		if !reviewResult.Passed {
			if err := e.app.RunMgr.UpdateRun(ctx, e.runID, runmanager.RunPatch{Status: statusPtr(runmanager.StatusPaused)}); err != nil {
				return "", err
			}
			_ = e.app.Gates.WriteGate(e.runID, gatewriter.Gate{
				Step:             stepNum,
				Agent:            agent,
				ValidationStatus: gatewriter.GateFail,
				Allowed:          false,
				Errors:           blockingReasons(reviewResult),
				Checks:           map[string]any{"weighted_score": reviewResult.WeightedScore, "missing_required": reviewResult.MissingRequired},
			}, false)
			return "", fmt.Errorf("execute: plan review blocked step %q (weighted score %.2f)", t.ID, reviewResult.WeightedScore)
		}
	}

	if err := e.app.Gates.WriteGate(e.runID, gatewriter.Gate{
		Step:             stepNum,
		Agent:            agent,
		ValidationStatus: gatewriter.GatePass,
		Allowed:          true,
	}, false); err != nil {
		return "", err
	}
	if err := e.app.Gates.WriteReasoning(e.runID, gatewriter.Reasoning{
		Step:    stepNum,
		Agent:   agent,
		Content: result.Stdout,
	}); err != nil {
		return "", err
	}

	artifactName := fmt.Sprintf("%02d-%s.json", stepNum, t.ID)
	artifactPath := filepath.Join(dirs.Artifacts, artifactName)
	if err := os.MkdirAll(dirs.Artifacts, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(artifactPath, []byte(result.Stdout), 0o600); err != nil {
		return "", err
	}
	kind := runmanager.ArtifactKindFile
	if step.ProducesPlan {
		kind = runmanager.ArtifactKindPlan
	}
	if err := e.app.RunMgr.RegisterArtifact(ctx, e.runID, runmanager.Artifact{
		Name:             artifactName,
		Path:             filepath.Join("artifacts", artifactName),
		Step:             stepNum,
		Agent:            agent,
		Kind:             kind,
		Dependencies:     t.DependsOn,
		ValidationStatus: runmanager.ValidationPass,
		Size:             int64(len(result.Stdout)),
	}); err != nil {
		return "", err
	}

	_ = e.app.Telemetry.LogEvent(telemetry.Event{
		Type:      "step.completed",
		RunID:     e.runID,
		Data:      map[string]any{"task_id": t.ID, "agent": agent},
		Timestamp: time.Now(),
	})

	return result.Stdout, nil
}

// gatherReferences resolves a step's explicit reference paths plus the
// artifacts produced by its declared dependencies, per spec.md §4.3(c).
func (e *executor) gatherReferences(ctx context.Context, step workflow.Step) ([]contextpacket.Reference, error) {
	var refs []contextpacket.Reference
	for _, r := range step.References {
		refs = append(refs, contextpacket.Reference{Path: r})
	}

	if len(step.DependsOn) == 0 {
		return refs, nil
	}
	registry, err := e.app.RunMgr.ReadArtifactRegistry(ctx, e.runID)
	if err != nil {
		return nil, err
	}
	for _, dep := range step.DependsOn {
		for _, artifact := range registry.Artifacts {
			if artifact.Step == e.stepNumbers[dep] && artifact.ValidationStatus == runmanager.ValidationPass {
				refs = append(refs, contextpacket.Reference{Path: artifact.Path})
			}
		}
	}
	return refs, nil
}

// optimizeSkills renders the step's required/triggered skill content
// (read from the App's skills directory) through the Skill Optimizer,
// backed by the Shared Cache, and concatenates the included bodies.
// Skills with no file on disk are skipped: progressive disclosure
// degrades gracefully rather than failing the step, matching this
// stack's lock-timeout/cache-miss degradation idiom elsewhere.
func (e *executor) optimizeSkills(step workflow.Step) string {
	if len(step.RequiredSkills) == 0 && len(step.TriggeredSkills) == 0 {
		return ""
	}
	required := e.loadSkills(step.RequiredSkills, true)
	triggered := e.loadSkills(step.TriggeredSkills, false)
	if len(required) == 0 && len(triggered) == 0 {
		return ""
	}

	result := e.app.Skills.Optimize(required, triggered, skilloptimizer.Options{MaxTokens: step.MaxTokens})
	var out string
	for name, content := range result.Included {
		out += fmt.Sprintf("## %s\n%s\n", name, content)
	}
	return out
}

func (e *executor) loadSkills(names []string, required bool) []skilloptimizer.Skill {
	skills := make([]skilloptimizer.Skill, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(e.app.SkillsDir, name+".md"))
		if err != nil {
			continue
		}
		skills = append(skills, skilloptimizer.Skill{Name: name, Content: string(data), Required: required})
	}
	return skills
}

// oracleReviewPayload is the shape-only contract an oracle must honor
// on a plan-producing step: spec.md §1 forbids semantic interpretation
// of agent output, so only this envelope's structure is validated, not
// the plan content itself.
type oracleReviewPayload struct {
	Scores []struct {
		Agent          string   `json:"agent"`
		Value          float64  `json:"value"`
		BlockingIssues []string `json:"blocking_issues,omitempty"`
	} `json:"scores"`
	PlanMeta map[string]any `json:"plan_meta,omitempty"`
}

func (e *executor) evaluatePlanReview(step workflow.Step, stdout string) (*planreview.Result, error) {
	var payload oracleReviewPayload
	if err := json.Unmarshal([]byte(stdout), &payload); err != nil {
		return nil, fmt.Errorf("execute: plan review output for step %q is not valid review JSON: %w", step.ID, err)
	}

	scores := make([]planreview.Score, len(payload.Scores))
	for i, s := range payload.Scores {
		scores[i] = planreview.Score{Agent: s.Agent, Value: s.Value, BlockingIssues: s.BlockingIssues}
	}

	taskType := step.TaskType
	if taskType == "" {
		taskType = step.ID
	}
	return planreview.Evaluate(e.app.ReviewMatrix, taskType, scores, e.app.ReviewPolicy, e.app.ReviewWeights, payload.PlanMeta)
}

func blockingReasons(r *planreview.Result) []string {
	var out []string
	for _, m := range r.MissingRequired {
		out = append(out, fmt.Sprintf("missing required reviewer %s", m))
	}
	for _, b := range r.BlockingIssues {
		out = append(out, fmt.Sprintf("%s: %s", b.Agent, b.Reason))
	}
	return out
}

func statusPtr(s runmanager.Status) *runmanager.Status { return &s }
