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

// Package cliapp wires the orchestration runtime's components into the
// "conductor" CLI surface described in spec.md §6.
package cliapp

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/conductorrun/agentrun/internal/config"
	"github.com/conductorrun/agentrun/internal/gatewriter"
	"github.com/conductorrun/agentrun/internal/memorymonitor"
	"github.com/conductorrun/agentrun/internal/oracle"
	"github.com/conductorrun/agentrun/internal/planreview"
	"github.com/conductorrun/agentrun/internal/runmanager"
	"github.com/conductorrun/agentrun/internal/skilloptimizer"
	"github.com/conductorrun/agentrun/internal/snapshot"
	"github.com/conductorrun/agentrun/internal/telemetry"
)

// BuildInfo carries version metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

// App bundles the long-lived components every subcommand needs. The
// Coordinator itself is not held here: it is cheap to construct per
// run (see execute.go) around a TaskRunner closure that pins the
// components below to the run in hand.
type App struct {
	BaseDir      string
	Build        BuildInfo
	RunMgr       *runmanager.Manager
	Gates        *gatewriter.Writer
	Snapshots    *snapshot.Manager
	Telemetry    *telemetry.Recorder
	Memory       *memorymonitor.Monitor
	Oracle       *oracle.Adapter
	Skills       *skilloptimizer.Optimizer
	ReviewMatrix planreview.Matrix
	ReviewPolicy planreview.Policy
	ReviewWeights planreview.Weights
	WorkflowsDir string
	SkillsDir    string
	Config       config.Config
}

// NewApp wires every component against baseDir, loading config.yaml
// from baseDir if present.
func NewApp(baseDir string, build BuildInfo) (*App, error) {
	cfg, err := config.Load(filepath.Join(baseDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	rm := runmanager.NewManager(baseDir)
	gw := gatewriter.New(rm)
	snaps := snapshot.New(filepath.Join(baseDir, "snapshots"))
	tel := telemetry.NewRecorder(filepath.Join(baseDir, "telemetry"), cfg.Telemetry.Enabled)
	mem := memorymonitor.New(memorymonitor.Thresholds{
		HighWaterMB:     cfg.Memory.HighWaterMB,
		CriticalWaterMB: cfg.Memory.CriticalWaterMB,
		MaxRSSMB:        cfg.Memory.MaxRSSMB,
	}, cfg.Memory.SampleInterval, nil)

	orc := oracle.New(agentBinPath(cfg.Agents))
	skills := skilloptimizer.New(filepath.Join(baseDir, "skill-cache-shared.json"))

	matrix := make(planreview.Matrix, len(cfg.Review.Matrix))
	for taskType, specs := range cfg.Review.Matrix {
		converted := make([]planreview.ReviewerSpec, len(specs))
		for i, s := range specs {
			converted[i] = planreview.ReviewerSpec{Agent: s.Agent, Role: planreview.ReviewerRole(s.Role), When: s.When}
		}
		matrix[taskType] = converted
	}

	return &App{
		BaseDir:   baseDir,
		Build:     build,
		RunMgr:    rm,
		Gates:     gw,
		Snapshots: snaps,
		Telemetry: tel,
		Memory:    mem,
		Oracle:    orc,
		Skills:    skills,
		ReviewMatrix: matrix,
		ReviewPolicy: planreview.Policy{
			MinimumScore:                    cfg.Review.MinimumScore,
			BlockingThreshold:                cfg.Review.BlockingThreshold,
			AnyReviewerBelowThresholdBlocks: cfg.Review.AnyReviewerBelowThresholdBlocks,
		},
		ReviewWeights: planreview.Weights{Required: cfg.Review.RequiredWeight, Optional: cfg.Review.OptionalWeight},
		WorkflowsDir:  filepath.Join(baseDir, "workflows"),
		SkillsDir:     filepath.Join(baseDir, "skills"),
		Config:        cfg,
	}, nil
}

// agentBinPath builds an oracle.Adapter binPath resolver from the
// config's agent->binary overrides, falling back to a PATH lookup for
// agents with no override (oracle.New's default when passed nil).
func agentBinPath(overrides map[string]string) func(agent string) (string, error) {
	if len(overrides) == 0 {
		return nil
	}
	fallback := oracle.New(nil).BinPath
	return func(agent string) (string, error) {
		if bin, ok := overrides[agent]; ok {
			return bin, nil
		}
		return fallback(agent)
	}
}

// NewRootCommand builds the "conductor" root command with every
// subcommand from spec.md §6 attached.
func NewRootCommand(build BuildInfo) *cobra.Command {
	var baseDir string

	root := &cobra.Command{
		Use:   "conductor",
		Short: "Multi-agent workflow orchestration runtime",
		Long:  "conductor drives multi-agent LLM workflows: routing requests to workflows, gating steps on review, and recovering interrupted runs.",
	}
	root.PersistentFlags().StringVar(&baseDir, "base-dir", defaultBaseDir(), "orchestration state directory")

	var app *App
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		var err error
		app, err = NewApp(baseDir, build)
		return err
	}

	root.AddCommand(newProcessCommand(func() *App { return app }))
	root.AddCommand(newRecoverCommand(func() *App { return app }))
	root.AddCommand(newSnapshotCommand(func() *App { return app }))
	root.AddCommand(newTelemetryCommand(func() *App { return app }))
	root.AddCommand(newMemoryCommand(func() *App { return app }))
	root.AddCommand(newVersionCommand(build))

	return root
}

func defaultBaseDir() string {
	home, err := userHomeDir()
	if err != nil {
		return ".agentrun"
	}
	return filepath.Join(home, ".agentrun")
}
