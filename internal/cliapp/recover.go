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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/gatewriter"
	"github.com/conductorrun/agentrun/internal/workflow"
)

func newRecoverCommand(appFn func() *App) *cobra.Command {
	var resume bool

	cmd := &cobra.Command{
		Use:   "recover <run-id>",
		Short: "Scan a run's gates and artifacts to determine where to resume, optionally resuming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appFn()
			runID := args[0]
			ctx := cmd.Context()

			run, err := app.RunMgr.ReadRun(ctx, runID)
			if err != nil {
				return err
			}

			var def *workflow.Definition
			var stepNumbers map[string]int
			var byNumber map[int]workflow.Step
			if run.SelectedWorkflow != "" {
				def, err = workflow.Load(resolveWorkflowPath(app, run.SelectedWorkflow))
				if err != nil {
					return err
				}
				stepNumbers = def.StepNumbers()
				byNumber = make(map[int]workflow.Step, len(stepNumbers))
				for id, n := range stepNumbers {
					byNumber[n] = def.StepByID()[id]
				}
			}

			requiredInputs := func(step int) []string {
				s, ok := byNumber[step]
				if !ok {
					return nil
				}
				names := make([]string, len(s.DependsOn))
				for i, dep := range s.DependsOn {
					names[i] = fmt.Sprintf("%02d-%s.json", stepNumbers[dep], dep)
				}
				return names
			}
			stepCount := func(workflowID string) (int, error) {
				if def == nil {
					return 0, fmt.Errorf("recover: workflow %q not loaded", workflowID)
				}
				// Steps are numbered 1..N after the router's step 0, so
				// the workflow is complete once step N has passed.
				return len(stepNumbers) + 1, nil
			}

			result, err := gatewriter.Recover(ctx, app.RunMgr, app.Gates, runID, requiredInputs, stepCount)
			if err != nil {
				return err
			}

			out := map[string]any{"recovery": result}

			if resume && result.Status == gatewriter.RecoveryReady && def != nil {
				runRecord, execErr := executeWorkflow(ctx, app, runID, run.SelectedWorkflow, result.LastCompletedStep)
				out["run_record"] = runRecord
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(out); encErr != nil {
					return encErr
				}
				if execErr != nil {
					return execErr
				}
				return runFailureError(runRecord)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&resume, "resume", false, "resume execution from the recovered step instead of only reporting status")
	return cmd
}
