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

// Package handoff implements Context Handoff & Phoenix Reset from
// spec.md §4.11: it watches context-budget consumption for the 70%/90%
// thresholds and serializes everything a fresh agent instance needs to
// resume a run after a reset.
package handoff

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/conductorrun/agentrun/internal/gatewriter"
	"github.com/conductorrun/agentrun/internal/runmanager"
	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// Zone classifies how close context usage is to the hard limit.
type Zone string

const (
	ZoneNormal Zone = "normal"
	ZoneWarn   Zone = "warn"   // >= WarnThreshold
	ZoneReset  Zone = "reset"  // >= ResetThreshold
)

const (
	// WarnThreshold is the 70% budget mark from spec.md §4.11 at which
	// a handoff document should be prepared proactively.
	WarnThreshold = 0.70
	// ResetThreshold is the 90% mark at which a Phoenix reset must occur.
	ResetThreshold = 0.90
)

// Classify returns the zone for a usedTokens/budgetTokens ratio.
func Classify(usedTokens, budgetTokens int) Zone {
	if budgetTokens <= 0 {
		return ZoneNormal
	}
	ratio := float64(usedTokens) / float64(budgetTokens)
	switch {
	case ratio >= ResetThreshold:
		return ZoneReset
	case ratio >= WarnThreshold:
		return ZoneWarn
	default:
		return ZoneNormal
	}
}

// Document is the full resumption payload written to handoff.json.
type Document struct {
	WorkflowID  string                          `json:"workflow_id"`
	CurrentStep int                             `json:"current_step"`
	Run         *runmanager.Run                 `json:"run"`
	Artifacts   map[string]runmanager.Artifact  `json:"artifacts"`
	Gates       []gatewriter.Gate               `json:"gates"`
	Reasoning   map[string]gatewriter.Reasoning `json:"reasoning"`
	Plan        json.RawMessage                 `json:"plan,omitempty"`
	ContextNote string                          `json:"context_note"`
	CreatedAt   time.Time                       `json:"created_at"`
}

// Validate enforces spec.md §4.11's minimum resumability rules: a
// workflow id, a non-negative step, and non-empty context (either a
// plan or at least one artifact/gate) must be present.
func (d *Document) Validate() error {
	if d.WorkflowID == "" {
		return &orcherrors.ValidationError{Field: "workflow_id", Message: "workflow_id is required for a handoff"}
	}
	if d.CurrentStep < 0 {
		return &orcherrors.ValidationError{Field: "current_step", Message: "current_step must be >= 0"}
	}
	if len(d.Plan) == 0 && len(d.Artifacts) == 0 && len(d.Gates) == 0 {
		return &orcherrors.ValidationError{
			Field:   "context",
			Message: "handoff must carry a plan, at least one artifact, or at least one gate",
		}
	}
	return nil
}

// Build assembles a Document for runID from the run manager and gate
// writer, per spec.md §4.11's enumerated contents.
func Build(ctx context.Context, rm *runmanager.Manager, gw *gatewriter.Writer, runID string, plan any, contextNote string) (*Document, error) {
	run, err := rm.ReadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	registry, err := rm.ReadArtifactRegistry(ctx, runID)
	if err != nil {
		return nil, err
	}
	gates, err := gw.ListGates(runID)
	if err != nil {
		return nil, err
	}
	reasoning, err := gw.ReadReasoning(runID)
	if err != nil {
		return nil, err
	}

	var planRaw json.RawMessage
	if plan != nil {
		planRaw, err = json.Marshal(plan)
		if err != nil {
			return nil, orcherrors.Wrap(err, "marshal plan for handoff")
		}
	}

	currentStep := -1
	for _, g := range gates {
		if g.Step > currentStep {
			currentStep = g.Step
		}
	}

	doc := &Document{
		WorkflowID:  run.SelectedWorkflow,
		CurrentStep: currentStep,
		Run:         run,
		Artifacts:   registry.Artifacts,
		Gates:       gates,
		Reasoning:   reasoning,
		Plan:        planRaw,
		ContextNote: contextNote,
		CreatedAt:   time.Now(),
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

// Write persists doc to <run dir>/handoff.json atomically.
func Write(rm *runmanager.Manager, runID string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	dirs := rm.GetRunDirectoryStructure(runID)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return orcherrors.Wrap(err, "marshal handoff document")
	}
	if err := os.MkdirAll(dirs.Root, 0o700); err != nil {
		return orcherrors.Wrap(err, "create run dir for handoff")
	}
	return orcherrors.Wrap(writeAtomic(dirs.HandoffJSON, data), "write handoff.json")
}

// Read loads a previously written handoff document.
func Read(rm *runmanager.Manager, runID string) (*Document, error) {
	dirs := rm.GetRunDirectoryStructure(runID)
	data, err := os.ReadFile(dirs.HandoffJSON)
	if err != nil {
		return nil, orcherrors.Wrap(err, "read handoff.json")
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, orcherrors.Wrap(err, "unmarshal handoff.json")
	}
	return &doc, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
