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

package runmanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// DirectoryStructure is the authoritative run-scoped layout from spec.md §6.
type DirectoryStructure struct {
	Root              string
	RunJSON           string
	ArtifactRegistry  string
	Gates             string
	Reasoning         string
	Plans             string
	Artifacts         string
	ContextSnapshots  string
	HandoffJSON       string
	CheckpointJSON    string
}

// Manager owns Run, Artifact, Gate, Reasoning, and Plan files and their
// directory tree under baseDir/runs/<run_id>/.
type Manager struct {
	baseDir string

	mu       sync.Mutex
	runLocks map[string]*sync.Mutex
}

// NewManager creates a Manager rooted at baseDir. baseDir/runs is created
// lazily as runs are created.
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:  baseDir,
		runLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(runID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		m.runLocks[runID] = l
	}
	return l
}

// GetRunDirectoryStructure returns the canonical paths for a run, whether
// or not the run (or its directories) exist yet.
func (m *Manager) GetRunDirectoryStructure(runID string) DirectoryStructure {
	root := filepath.Join(m.baseDir, "runs", runID)
	return DirectoryStructure{
		Root:             root,
		RunJSON:          filepath.Join(root, "run.json"),
		ArtifactRegistry: filepath.Join(root, "artifact-registry.json"),
		Gates:            filepath.Join(root, "gates"),
		Reasoning:        filepath.Join(root, "reasoning"),
		Plans:            filepath.Join(root, "plans"),
		Artifacts:        filepath.Join(root, "artifacts"),
		ContextSnapshots: filepath.Join(root, "context-snapshots"),
		HandoffJSON:      filepath.Join(root, "handoff.json"),
		CheckpointJSON:   filepath.Join(root, "checkpoint.json"),
	}
}

// CreateRunOptions configures run creation.
type CreateRunOptions struct {
	RunID    string // optional; generated if empty
	Metadata map[string]any
}

// NewRunID generates an identity of shape run-<epoch_ms>-<rand8>.
func NewRunID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("run-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// CreateRun creates a new Run in status "created", recursively creating
// its directory tree. Safe under concurrent callers: directory creation
// is idempotent and each run's files are protected by a per-run mutex
// plus atomic write-then-rename.
func (m *Manager) CreateRun(ctx context.Context, userRequest string, opts CreateRunOptions) (string, error) {
	runID := opts.RunID
	if runID == "" {
		runID = NewRunID()
	}

	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	dirs := m.GetRunDirectoryStructure(runID)
	for _, d := range []string{dirs.Root, dirs.Gates, dirs.Reasoning, dirs.Plans, dirs.Artifacts, dirs.ContextSnapshots} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", orcherrors.Wrapf(err, "creating run directory %s", d)
		}
	}

	now := time.Now()
	run := Run{
		RunID:       runID,
		UserRequest: userRequest,
		Status:      StatusCreated,
		Metadata:    opts.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}

	if err := writeJSONAtomic(dirs.RunJSON, run); err != nil {
		return "", orcherrors.Wrap(err, "writing run.json")
	}

	registry := Registry{RunID: runID, Artifacts: map[string]Artifact{}, UpdatedAt: now}
	if err := writeJSONAtomic(dirs.ArtifactRegistry, registry); err != nil {
		return "", orcherrors.Wrap(err, "writing artifact-registry.json")
	}

	return runID, nil
}

// ReadRun loads a Run by id.
func (m *Manager) ReadRun(ctx context.Context, runID string) (*Run, error) {
	dirs := m.GetRunDirectoryStructure(runID)
	var run Run
	if err := readJSON(dirs.RunJSON, &run); err != nil {
		if os.IsNotExist(err) {
			return nil, &orcherrors.ValidationError{Field: "run_id", Message: fmt.Sprintf("run %s not found", runID)}
		}
		return nil, orcherrors.Wrap(err, "reading run.json")
	}
	return &run, nil
}

// UpdateRun applies patch to the stored Run. Metadata is merged shallowly;
// other fields overwrite. The update is atomic and idempotent for
// identical patches (re-applying the same patch yields the same file,
// modulo UpdatedAt).
func (m *Manager) UpdateRun(ctx context.Context, runID string, patch RunPatch) error {
	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	run, err := m.ReadRun(ctx, runID)
	if err != nil {
		return err
	}

	if patch.Status != nil && *patch.Status != run.Status {
		if err := CheckTransition(runID, run.Status, *patch.Status); err != nil {
			return err
		}
		run.Status = *patch.Status
	}
	if patch.SelectedWorkflow != nil {
		run.SelectedWorkflow = *patch.SelectedWorkflow
	}
	if patch.CurrentStep != nil {
		run.CurrentStep = *patch.CurrentStep
	}
	if patch.TaskQueue != nil {
		run.TaskQueue = patch.TaskQueue
	}
	if patch.Metadata != nil {
		if run.Metadata == nil {
			run.Metadata = map[string]any{}
		}
		for k, v := range patch.Metadata {
			run.Metadata[k] = v
		}
	}
	run.UpdatedAt = time.Now()

	dirs := m.GetRunDirectoryStructure(runID)
	return orcherrors.Wrap(writeJSONAtomic(dirs.RunJSON, run), "writing run.json")
}

// ReadArtifactRegistry loads the full artifact registry for a run.
func (m *Manager) ReadArtifactRegistry(ctx context.Context, runID string) (*Registry, error) {
	dirs := m.GetRunDirectoryStructure(runID)
	var reg Registry
	if err := readJSON(dirs.ArtifactRegistry, &reg); err != nil {
		if os.IsNotExist(err) {
			return &Registry{RunID: runID, Artifacts: map[string]Artifact{}}, nil
		}
		return nil, orcherrors.Wrap(err, "reading artifact-registry.json")
	}
	if reg.Artifacts == nil {
		reg.Artifacts = map[string]Artifact{}
	}
	return &reg, nil
}

// RegisterArtifact upserts an artifact into the registry. A name collision
// with a different path is refused (spec.md §4.1); re-registering the
// same name+path pair is permitted and overwrites metadata.
func (m *Manager) RegisterArtifact(ctx context.Context, runID string, artifact Artifact) error {
	lock := m.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	reg, err := m.ReadArtifactRegistry(ctx, runID)
	if err != nil {
		return err
	}

	if existing, ok := reg.Artifacts[artifact.Name]; ok && existing.Path != artifact.Path {
		return &orcherrors.ValidationError{
			Field:   "artifact.path",
			Message: fmt.Sprintf("artifact %q already registered with a different path (%s != %s)", artifact.Name, existing.Path, artifact.Path),
		}
	}

	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	if artifact.ValidationStatus == "" {
		artifact.ValidationStatus = ValidationUnknown
	}
	if artifact.Kind == "" {
		artifact.Kind = ArtifactKindUnknown
	}

	reg.Artifacts[artifact.Name] = artifact
	reg.UpdatedAt = time.Now()

	dirs := m.GetRunDirectoryStructure(runID)
	return orcherrors.Wrap(writeJSONAtomic(dirs.ArtifactRegistry, *reg), "writing artifact-registry.json")
}
