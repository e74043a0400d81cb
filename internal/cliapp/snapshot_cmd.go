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
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/snapshot"
)

func newSnapshotCommand(appFn func() *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "snapshot",
		Short: "Create, inspect, and prune context snapshots",
	}
	root.AddCommand(newSnapshotCreateCommand(appFn))
	root.AddCommand(newSnapshotListCommand(appFn))
	root.AddCommand(newSnapshotGetCommand(appFn))
	root.AddCommand(newSnapshotDeleteCommand(appFn))
	root.AddCommand(newSnapshotPruneCommand(appFn))
	return root
}

func newSnapshotCreateCommand(appFn func() *App) *cobra.Command {
	var runID, label, kind, payloadPath string
	var pinned bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a snapshot from a JSON payload file (or stdin with --payload -)",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appFn()

			var payload any
			data, err := readPayload(payloadPath)
			if err != nil {
				return err
			}
			if len(data) > 0 {
				if err := json.Unmarshal(data, &payload); err != nil {
					return err
				}
			}

			meta, err := app.Snapshots.Create(cmd.Context(), payload, snapshot.CreateOptions{
				RunID:  runID,
				Kind:   snapshot.Kind(kind),
				Label:  label,
				Pinned: pinned,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, meta)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run this snapshot belongs to")
	cmd.Flags().StringVar(&label, "label", "", "human-readable label")
	cmd.Flags().StringVar(&kind, "kind", string(snapshot.KindAuto), "auto, manual, checkpoint, milestone, or recovery")
	cmd.Flags().StringVar(&payloadPath, "payload", "-", "path to a JSON payload file, or - for stdin")
	cmd.Flags().BoolVar(&pinned, "pinned", false, "pin this snapshot against pruning")
	return cmd
}

func newSnapshotListCommand(appFn func() *App) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots, optionally filtered by run",
		RunE: func(cmd *cobra.Command, args []string) error {
			metas, err := appFn().Snapshots.List(runID)
			if err != nil {
				return err
			}
			return printJSON(cmd, metas)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "filter to a single run")
	return cmd
}

func newSnapshotGetCommand(appFn func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "get <snapshot-id>",
		Short: "Fetch a snapshot's metadata and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			meta, err := appFn().Snapshots.Get(cmd.Context(), args[0], &payload)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"meta": meta, "payload": payload})
		},
	}
}

func newSnapshotDeleteCommand(appFn func() *App) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return appFn().Snapshots.Delete(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete even if pinned")
	return cmd
}

func newSnapshotPruneCommand(appFn func() *App) *cobra.Command {
	var runID string
	var keep int
	var respectPinned bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old snapshots for a run, keeping the newest N",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := appFn().Snapshots.Prune(runID, keep, respectPinned)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"deleted": deleted})
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run to prune snapshots for")
	cmd.Flags().IntVar(&keep, "keep", 5, "number of newest snapshots to keep")
	cmd.Flags().BoolVar(&respectPinned, "respect-pinned", true, "never count or delete pinned snapshots")
	return cmd
}

func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
