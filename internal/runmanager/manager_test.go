package runmanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndReadRun(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()

	runID, err := m.CreateRun(ctx, "build a login form", CreateRunOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	run, err := m.ReadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, run.Status)
	assert.Equal(t, "build a login form", run.UserRequest)
}

func TestCreateRunIsRecursiveAndSafe(t *testing.T) {
	base := t.TempDir()
	m := NewManager(base)
	runID, err := m.CreateRun(context.Background(), "req", CreateRunOptions{})
	require.NoError(t, err)

	dirs := m.GetRunDirectoryStructure(runID)
	assert.DirExists(t, dirs.Gates)
	assert.DirExists(t, dirs.Reasoning)
	assert.DirExists(t, dirs.Plans)
	assert.DirExists(t, dirs.Artifacts)
	assert.DirExists(t, dirs.ContextSnapshots)
	assert.FileExists(t, filepath.Join(dirs.Root, "run.json"))
}

func TestUpdateRunMergesMetadataShallow(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()
	runID, err := m.CreateRun(ctx, "req", CreateRunOptions{Metadata: map[string]any{"confidence": 0.5, "keep": "me"}})
	require.NoError(t, err)

	err = m.UpdateRun(ctx, runID, RunPatch{Metadata: map[string]any{"confidence": 0.9}})
	require.NoError(t, err)

	run, err := m.ReadRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, run.Metadata["confidence"])
	assert.Equal(t, "me", run.Metadata["keep"])
}

func TestUpdateRunEnforcesStateMachine(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()
	runID, err := m.CreateRun(ctx, "req", CreateRunOptions{})
	require.NoError(t, err)

	running := StatusRunning
	err = m.UpdateRun(ctx, runID, RunPatch{Status: &running})
	require.Error(t, err, "created -> running is not a legal direct transition")

	routing := StatusRouting
	require.NoError(t, m.UpdateRun(ctx, runID, RunPatch{Status: &routing}))
	require.NoError(t, m.UpdateRun(ctx, runID, RunPatch{Status: &running}))
}

func TestRegisterArtifactRefusesPathCollision(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()
	runID, err := m.CreateRun(ctx, "req", CreateRunOptions{})
	require.NoError(t, err)

	require.NoError(t, m.RegisterArtifact(ctx, runID, Artifact{Name: "plan.json", Path: "artifacts/plan.json", Step: 0}))
	err = m.RegisterArtifact(ctx, runID, Artifact{Name: "plan.json", Path: "artifacts/other.json", Step: 0})
	assert.Error(t, err)

	// Same name+path upserts cleanly.
	require.NoError(t, m.RegisterArtifact(ctx, runID, Artifact{Name: "plan.json", Path: "artifacts/plan.json", Step: 1, ValidationStatus: ValidationPass}))

	reg, err := m.ReadArtifactRegistry(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, ValidationPass, reg.Artifacts["plan.json"].ValidationStatus)
}

func TestInvariantArtifactPathUnderRunDir(t *testing.T) {
	m := NewManager(t.TempDir())
	ctx := context.Background()
	runID, err := m.CreateRun(ctx, "req", CreateRunOptions{})
	require.NoError(t, err)

	require.NoError(t, m.RegisterArtifact(ctx, runID, Artifact{
		Name: "architecture.md", Path: "artifacts/architecture.md", ValidationStatus: ValidationPass,
	}))
	reg, err := m.ReadArtifactRegistry(ctx, runID)
	require.NoError(t, err)
	for _, a := range reg.Artifacts {
		assert.Contains(t, []ValidationStatus{ValidationPass, ValidationFail, ValidationUnknown}, a.ValidationStatus)
	}
}
