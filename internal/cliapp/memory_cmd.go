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
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/memorymonitor"
)

func newMemoryCommand(appFn func() *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "memory",
		Short: "Inspect orchestrator memory pressure",
	}
	root.AddCommand(newMemoryCheckSpawnCommand(appFn))
	return root
}

func newMemoryCheckSpawnCommand(appFn func() *App) *cobra.Command {
	var minFreeMB int64
	cmd := &cobra.Command{
		Use:   "check-spawn",
		Short: "Check whether there is enough headroom to spawn another subagent",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appFn()
			check := app.Memory.CanSpawnSubagent(minFreeMB)
			if err := printJSON(cmd, check); err != nil {
				return err
			}
			if !check.CanSpawn {
				os.Exit(memorymonitor.ExitCodeMemoryPressure)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&minFreeMB, "min-free-mb", 256, "minimum free MB required to spawn")
	return cmd
}
