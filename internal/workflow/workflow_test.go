package workflow

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadParsesPhasesAndSteps(t *testing.T) {
	path := writeYAML(t, `
name: greenfield-frontend
phases:
  - name: plan
    steps:
      - id: planner
        agent: planner
        goal: draft the plan
  - name: build
    steps:
      - id: developer
        agent: developer
        goal: implement the form
        depends_on: [planner]
`)
	def, err := Load(path)
	require.NoError(t, err)
	require.Len(t, def.Phases, 2)
	assert.Equal(t, "greenfield-frontend", def.Name)
	assert.Equal(t, []string{"planner"}, def.Phases[1].Steps[0].DependsOn)
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeYAML(t, `
name: bad
phases:
  - name: p1
    steps:
      - id: a
        agent: x
        depends_on: [missing]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDuplicateStepID(t *testing.T) {
	path := writeYAML(t, `
name: bad
phases:
  - name: p1
    steps:
      - id: a
        agent: x
      - id: a
        agent: y
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsDependencyCycle(t *testing.T) {
	path := writeYAML(t, `
name: bad
phases:
  - name: p1
    steps:
      - id: a
        agent: x
        depends_on: [b]
      - id: b
        agent: y
        depends_on: [a]
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestPlanConvertsStepsToTasks(t *testing.T) {
	path := writeYAML(t, `
name: wf
phases:
  - name: p1
    max_concurrency: 2
    steps:
      - id: a
        agent: architect
        fallback_agent: developer
        goal: design it
        min_free_mem_mb: 256
`)
	def, err := Load(path)
	require.NoError(t, err)

	plan := def.Plan()
	require.Len(t, plan.Phases, 1)
	require.Len(t, plan.Phases[0].Tasks, 1)
	task := plan.Phases[0].Tasks[0]
	assert.Equal(t, "architect", task.Agent)
	assert.Equal(t, "developer", task.FallbackAgent)
	assert.Equal(t, "design it", task.Prompt)
	assert.Equal(t, int64(256), task.MinFreeMemMB)
	assert.Equal(t, 2, plan.Phases[0].MaxConcurrency)
}

func TestStepNumbersAreSequentialAcrossPhases(t *testing.T) {
	path := writeYAML(t, `
name: wf
phases:
  - name: p1
    steps:
      - id: a
        agent: x
      - id: b
        agent: x
  - name: p2
    steps:
      - id: c
        agent: x
`)
	def, err := Load(path)
	require.NoError(t, err)

	nums := def.StepNumbers()
	assert.Equal(t, 1, nums["a"])
	assert.Equal(t, 2, nums["b"])
	assert.Equal(t, 3, nums["c"])
}
