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

// Package runmanager owns run identity, the run state machine, the
// artifact registry, and the run-scoped directory layout described in
// spec.md §3-4.1.
package runmanager

import "time"

// Run is a single end-to-end execution of a workflow for one user request.
type Run struct {
	RunID            string         `json:"run_id"`
	UserRequest      string         `json:"user_request"`
	Status           Status         `json:"status"`
	SelectedWorkflow string         `json:"selected_workflow,omitempty"`
	CurrentStep      int            `json:"current_step"`
	TaskQueue        []string       `json:"task_queue,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// RunPatch describes a partial update to a Run. Metadata is merged
// shallowly; all other non-zero fields overwrite the stored value.
type RunPatch struct {
	Status           *Status
	SelectedWorkflow *string
	CurrentStep      *int
	TaskQueue        []string
	Metadata         map[string]any
}

// ValidationStatus is the verdict recorded against a registered artifact.
type ValidationStatus string

const (
	ValidationPass    ValidationStatus = "pass"
	ValidationFail    ValidationStatus = "fail"
	ValidationUnknown ValidationStatus = "unknown"
)

// ArtifactKind tags the sum-type variant of an Artifact's payload, per
// SPEC_FULL's design note on dynamic-typing -> tagged variants.
type ArtifactKind string

const (
	ArtifactKindFile          ArtifactKind = "file"
	ArtifactKindTestResult    ArtifactKind = "test_result"
	ArtifactKindPlan          ArtifactKind = "plan"
	ArtifactKindSnapshot      ArtifactKind = "snapshot"
	ArtifactKindRouteDecision ArtifactKind = "route_decision"
	ArtifactKindUnknown       ArtifactKind = "unknown"
)

// Artifact is a produced output of a step, registered by name and
// referenced by downstream steps.
type Artifact struct {
	Name             string           `json:"name"`
	Path             string           `json:"path"`
	Step             int              `json:"step"`
	Agent            string           `json:"agent"`
	Kind             ArtifactKind     `json:"kind"`
	Dependencies     []string         `json:"dependencies,omitempty"`
	ValidationStatus ValidationStatus `json:"validation_status"`
	Size             int64            `json:"size"`
	Metadata         map[string]any   `json:"metadata,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`

	// RawKind is stored and returned as given; this package never sets
	// it. An unrecognized "kind" value read from disk stays in Kind,
	// which is a plain string, so it survives a round-trip.
	RawKind string `json:"raw_kind,omitempty"`
}

// Registry is the on-disk representation of a run's artifact index: the
// single source of truth for cross-step handoff (spec.md §3).
type Registry struct {
	RunID     string              `json:"run_id"`
	Artifacts map[string]Artifact `json:"artifacts"`
	UpdatedAt time.Time           `json:"updated_at"`
}
