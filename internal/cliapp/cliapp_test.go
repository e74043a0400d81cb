package cliapp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupWorkflowFixture wires a base directory with one workflow
// ("test-workflow.yaml", a single "developer" step) and a CUJ-INDEX
// markdown table routing "cuj-001" to it, backed by a fake agent
// script standing in for the oracle's CLI-backed provider.
func setupWorkflowFixture(t *testing.T) (baseDir, cujIndexPath string) {
	t.Helper()
	baseDir = t.TempDir()

	script := filepath.Join(baseDir, "fake-agent.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\necho 'implementation complete'\n"), 0o700))

	configYAML := "agents:\n  developer: " + script + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "config.yaml"), []byte(configYAML), 0o600))

	require.NoError(t, os.MkdirAll(filepath.Join(baseDir, "workflows"), 0o700))
	workflowYAML := `name: test-workflow
phases:
  - name: build
    steps:
      - id: developer
        agent: developer
        goal: build x
`
	require.NoError(t, os.WriteFile(filepath.Join(baseDir, "workflows", "test-workflow.yaml"), []byte(workflowYAML), 0o600))

	cujIndexPath = filepath.Join(baseDir, "CUJ-INDEX.md")
	index := "| CUJ     | Workflow              | Keywords |\n" +
		"|---------|------------------------|----------|\n" +
		"| cuj-001 | test-workflow.yaml     | build    |\n"
	require.NoError(t, os.WriteFile(cujIndexPath, []byte(index), 0o600))

	return baseDir, cujIndexPath
}

func TestProcessCommandCreatesRun(t *testing.T) {
	baseDir, cujIndexPath := setupWorkflowFixture(t)
	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetArgs([]string{"--base-dir", baseDir, "process", "run cuj-001", "--cuj-index", cujIndexPath})

	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "run_id")
}

func TestProcessCommandExecutesWorkflowToCompletion(t *testing.T) {
	baseDir, cujIndexPath := setupWorkflowFixture(t)
	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetArgs([]string{"--base-dir", baseDir, "process", "run cuj-001", "--cuj-index", cujIndexPath})

	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), `"status": "completed"`)

	gatePath := filepath.Join(baseDir, "runs")
	entries, err := os.ReadDir(gatePath)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	gateFile := filepath.Join(gatePath, entries[0].Name(), "gates", "01-developer.json")
	data, err := os.ReadFile(gateFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pass"`)
}

func TestRecoverCommandReportsWorkflowCompleteAfterRun(t *testing.T) {
	baseDir, cujIndexPath := setupWorkflowFixture(t)
	root := NewRootCommand(BuildInfo{Version: "test"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--base-dir", baseDir, "process", "run cuj-001", "--cuj-index", cujIndexPath})
	require.NoError(t, root.Execute())

	entries, err := os.ReadDir(filepath.Join(baseDir, "runs"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	runID := entries[0].Name()

	root2 := NewRootCommand(BuildInfo{Version: "test"})
	var out2 bytes.Buffer
	root2.SetOut(&out2)
	root2.SetArgs([]string{"--base-dir", baseDir, "recover", runID})
	require.NoError(t, root2.Execute())
	assert.Contains(t, out2.String(), `"workflow_complete"`)
}

func TestSnapshotCreateAndList(t *testing.T) {
	baseDir := t.TempDir()
	payload := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"goal":"x"}`), 0o600))

	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetArgs([]string{"--base-dir", baseDir, "snapshot", "create", "--run-id", "run-1", "--payload", payload})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "\"id\"")

	root2 := NewRootCommand(BuildInfo{Version: "test"})
	root2.SetArgs([]string{"--base-dir", baseDir, "snapshot", "list", "--run-id", "run-1"})
	var out2 bytes.Buffer
	root2.SetOut(&out2)
	require.NoError(t, root2.Execute())
	assert.Contains(t, out2.String(), "run-1")
}

func TestTelemetryStatusDefaultsDisabled(t *testing.T) {
	baseDir := t.TempDir()
	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetArgs([]string{"--base-dir", baseDir, "telemetry", "status"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "false")
}

func TestMemoryCheckSpawn(t *testing.T) {
	baseDir := t.TempDir()
	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetArgs([]string{"--base-dir", baseDir, "memory", "check-spawn", "--min-free-mb", "1"})
	var out bytes.Buffer
	root.SetOut(&out)
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "can_spawn")
}
