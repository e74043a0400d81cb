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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/telemetry"
)

func newTelemetryCommand(appFn func() *App) *cobra.Command {
	root := &cobra.Command{
		Use:   "telemetry",
		Short: "Inspect and manage the opt-in event log",
	}
	root.AddCommand(newTelemetryStatusCommand(appFn))
	root.AddCommand(newTelemetryEnableCommand(appFn))
	root.AddCommand(newTelemetryDisableCommand(appFn))
	root.AddCommand(newTelemetryReportCommand(appFn))
	root.AddCommand(newTelemetryExportCommand(appFn))
	root.AddCommand(newTelemetryPurgeCommand(appFn))
	root.AddCommand(newTelemetryLogEventCommand(appFn))
	return root
}

func newTelemetryStatusCommand(appFn func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether telemetry is enabled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd, map[string]any{"enabled": appFn().Telemetry.Enabled})
		},
	}
}

func newTelemetryEnableCommand(appFn func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Opt in to telemetry logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			appFn().Telemetry.Enabled = true
			return nil
		},
	}
}

func newTelemetryDisableCommand(appFn func() *App) *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Opt out of telemetry logging",
		RunE: func(cmd *cobra.Command, args []string) error {
			appFn().Telemetry.Enabled = false
			return nil
		},
	}
}

func parseWindow(from, to string) (time.Time, time.Time, error) {
	toTime := time.Now()
	fromTime := toTime.Add(-30 * 24 * time.Hour)
	var err error
	if from != "" {
		fromTime, err = time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if to != "" {
		toTime, err = time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return fromTime, toTime, nil
}

func newTelemetryReportCommand(appFn func() *App) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize event counts over a window",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromTime, toTime, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			summary, err := appFn().Telemetry.Report(fromTime, toTime)
			if err != nil {
				return err
			}
			return printJSON(cmd, summary)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start time (default: 30 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 end time (default: now)")
	return cmd
}

func newTelemetryExportCommand(appFn func() *App) *cobra.Command {
	var from, to, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export raw events over a window as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromTime, toTime, err := parseWindow(from, to)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return appFn().Telemetry.Export(fromTime, toTime, w)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start time (default: 30 days ago)")
	cmd.Flags().StringVar(&to, "to", "", "RFC3339 end time (default: now)")
	cmd.Flags().StringVar(&out, "out", "", "output file (default: stdout)")
	return cmd
}

func newTelemetryPurgeCommand(appFn func() *App) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete event log files past the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := appFn().Telemetry.Purge(retention)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"deleted": deleted})
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", telemetry.DefaultRetention, "how long to keep event log files")
	return cmd
}

func newTelemetryLogEventCommand(appFn func() *App) *cobra.Command {
	var eventType, runID string
	var data []string
	cmd := &cobra.Command{
		Use:   "log-event",
		Short: "Append one event to the log",
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{}
			for _, kv := range data {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) == 2 {
					payload[parts[0]] = parts[1]
				}
			}
			return appFn().Telemetry.LogEvent(telemetry.Event{Type: eventType, RunID: runID, Data: payload})
		},
	}
	cmd.Flags().StringVar(&eventType, "type", "", "event type")
	cmd.Flags().StringVar(&runID, "run-id", "", "associated run id")
	cmd.Flags().StringArrayVar(&data, "data", nil, "key=value event data (repeatable)")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}
