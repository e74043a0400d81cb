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
	"strings"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/coordinator"
	"github.com/conductorrun/agentrun/internal/router"
	"github.com/conductorrun/agentrun/internal/runmanager"
	"github.com/conductorrun/agentrun/internal/workflow"
)

func newProcessCommand(appFn func() *App) *cobra.Command {
	var cujIndexPath string
	var metadata []string
	var workflowsDir string

	cmd := &cobra.Command{
		Use:   "process <request>",
		Short: "Create a run, route it to a workflow, and execute that workflow to completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appFn()
			if workflowsDir != "" {
				app.WorkflowsDir = workflowsDir
			}
			request := args[0]

			meta := map[string]any{}
			for _, kv := range metadata {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) == 2 {
					meta[parts[0]] = parts[1]
				}
			}

			runID, err := app.RunMgr.CreateRun(cmd.Context(), request, runmanager.CreateRunOptions{Metadata: meta})
			if err != nil {
				return err
			}

			decision, err := routeRequest(cmd.Context(), app, runID, request, cujIndexPath)
			if err != nil {
				return err
			}

			step0 := map[string]any{"name": "route_decision.json", "path": "route_decision.json", "validation_status": string(runmanager.ValidationPass)}

			out := map[string]any{
				"run_id":  runID,
				"routing": decision,
				"step0Result": step0,
			}

			if decision.Workflow == "" {
				out["run_record"], _ = app.RunMgr.ReadRun(cmd.Context(), runID)
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(out); err != nil {
					return err
				}
				return fmt.Errorf("process: no workflow resolved for request (routing_method=%s)", decision.Method)
			}

			runRecord, err := executeWorkflow(cmd.Context(), app, runID, decision.Workflow, 0)
			out["run_record"] = runRecord

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(out); encErr != nil {
				return encErr
			}
			if err != nil {
				return err
			}
			return runFailureError(runRecord)
		},
	}

	cmd.Flags().StringVar(&cujIndexPath, "cuj-index", "", "path to a CUJ-INDEX markdown table for routing")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "key=value metadata to attach to the run (repeatable)")
	cmd.Flags().StringVar(&workflowsDir, "workflows-dir", "", "directory workflow YAML files are resolved against (default <base-dir>/workflows)")
	return cmd
}

// routeRequest runs the Workflow Router against request, recording its
// decision as the authoritative step-0 artifact (spec.md §4.2) and
// advancing the run from created to routing.
func routeRequest(ctx context.Context, app *App, runID, request, cujIndexPath string) (*router.Decision, error) {
	var entries []router.IndexEntry
	if cujIndexPath != "" {
		data, err := os.ReadFile(cujIndexPath)
		if err != nil {
			return nil, err
		}
		entries, err = router.ParseIndex(string(data))
		if err != nil {
			return nil, err
		}
	}

	decision, err := router.Route(request, entries)
	if err != nil {
		return nil, err
	}

	if err := app.RunMgr.RegisterArtifact(ctx, runID, runmanager.Artifact{
		Name:             "route_decision.json",
		Path:             "route_decision.json",
		Kind:             runmanager.ArtifactKindRouteDecision,
		ValidationStatus: runmanager.ValidationPass,
	}); err != nil {
		return nil, err
	}

	status := runmanager.StatusRouting
	if err := app.RunMgr.UpdateRun(ctx, runID, runmanager.RunPatch{
		Status:           &status,
		SelectedWorkflow: &decision.Workflow,
		Metadata:         map[string]any{"confidence": decision.Confidence, "routing_method": string(decision.Method)},
	}); err != nil {
		return nil, err
	}
	return decision, nil
}

// executeWorkflow loads workflowFile, converts it to a coordinator.Plan
// (dropping steps at or before resumeFromStep, for recover's use), and
// runs it to completion via the Coordinator, writing gates, reasoning,
// and artifacts for every task along the way (spec.md §2's Flow).
func executeWorkflow(ctx context.Context, app *App, runID, workflowFile string, resumeFromStep int) (*runmanager.Run, error) {
	def, err := workflow.Load(resolveWorkflowPath(app, workflowFile))
	if err != nil {
		return nil, err
	}

	running := runmanager.StatusRunning
	if err := app.RunMgr.UpdateRun(ctx, runID, runmanager.RunPatch{Status: &running}); err != nil {
		return nil, err
	}

	plan := def.Plan()
	if resumeFromStep > 0 {
		plan = dropCompletedSteps(plan, def.StepNumbers(), resumeFromStep)
	}

	exec := newExecutor(app, runID, def)
	coord := coordinator.New(exec.run, func(minFreeMB int64) (bool, int64) {
		check := app.Memory.CanSpawnSubagent(minFreeMB)
		return check.CanSpawn, check.FreeMB
	})

	results, planErr := coord.ExecutePlan(ctx, plan)

	if scratchpad := coord.Scratchpad(); len(scratchpad) > 0 {
		entries := make([]map[string]any, len(scratchpad))
		for i, s := range scratchpad {
			entries[i] = map[string]any{"taskId": s.TaskID, "failureReason": s.FailureReason, "avoidApproach": s.AvoidApproach}
		}
		_ = app.RunMgr.UpdateRun(ctx, runID, runmanager.RunPatch{Metadata: map[string]any{"scratchpad": entries}})
	}

	finalStatus, finalErr := finalizeRun(ctx, app, runID, def, results, planErr)
	if finalErr != nil {
		return nil, finalErr
	}
	_ = finalStatus

	return app.RunMgr.ReadRun(ctx, runID)
}

// resolveWorkflowPath resolves a router-selected workflow reference.
// CUJ-mapping rows give a full path (e.g. ".claude/workflows/cuj-001.yaml",
// spec.md §8 scenario 2) resolved against the base dir; a bare filename
// from semantic routing is resolved against the workflows directory.
func resolveWorkflowPath(app *App, workflowFile string) string {
	if filepath.IsAbs(workflowFile) || strings.ContainsAny(workflowFile, `/\`) {
		return filepath.Join(app.BaseDir, workflowFile)
	}
	return filepath.Join(app.WorkflowsDir, workflowFile)
}

// dropCompletedSteps trims plan to only the tasks whose step number is
// greater than resumeFromStep, for resuming a recovered run at the
// step gatewriter.Recover reported as next.
func dropCompletedSteps(plan coordinator.Plan, stepNumbers map[string]int, resumeFromStep int) coordinator.Plan {
	out := coordinator.Plan{Phases: make([]coordinator.Phase, 0, len(plan.Phases))}
	for _, phase := range plan.Phases {
		var tasks []coordinator.Task
		for _, t := range phase.Tasks {
			if stepNumbers[t.ID] > resumeFromStep {
				tasks = append(tasks, t)
			}
		}
		if len(tasks) > 0 {
			out.Phases = append(out.Phases, coordinator.Phase{Name: phase.Name, Tasks: tasks, MaxConcurrency: phase.MaxConcurrency})
		}
	}
	return out
}

// finalizeRun transitions the run to completed or failed based on the
// Coordinator's results, unless a task already paused it (plan review
// block, spec.md scenario 4), which is left as-is for a human/recover
// to resume.
func finalizeRun(ctx context.Context, app *App, runID string, def *workflow.Definition, results []coordinator.TaskResult, planErr error) (runmanager.Status, error) {
	run, err := app.RunMgr.ReadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status == runmanager.StatusPaused {
		return runmanager.StatusPaused, nil
	}

	stepNumbers := def.StepNumbers()
	var failedTask string
	var failedErr error
	for _, r := range results {
		if r.Err != nil && !r.Skipped {
			failedTask = r.TaskID
			failedErr = r.Err
			break
		}
	}
	if failedErr == nil {
		failedErr = planErr
	}

	if failedErr != nil {
		failed := runmanager.StatusFailed
		return failed, app.RunMgr.UpdateRun(ctx, runID, runmanager.RunPatch{
			Status: &failed,
			Metadata: map[string]any{
				"error":          failedErr.Error(),
				"failed_at_step": stepNumbers[failedTask],
			},
		})
	}

	completed := runmanager.StatusCompleted
	return completed, app.RunMgr.UpdateRun(ctx, runID, runmanager.RunPatch{Status: &completed})
}

// runFailureError reports a completed-but-failed run as a command error
// so the process exit code reflects spec.md §6's contract (0 success, 1
// generic failure) instead of masking the failure behind a 0 exit while
// run.json itself records status "failed".
func runFailureError(run *runmanager.Run) error {
	if run == nil || run.Status != runmanager.StatusFailed {
		return nil
	}
	reason, _ := run.Metadata["error"].(string)
	if reason == "" {
		reason = "see run metadata for details"
	}
	return fmt.Errorf("process: run %s ended in status failed: %s", run.RunID, reason)
}

func newVersionCommand(build BuildInfo) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s (commit %s, built %s)\n", build.Version, build.Commit, build.BuildDate)
			return nil
		},
	}
}
