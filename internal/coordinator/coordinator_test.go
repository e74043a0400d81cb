package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

func TestExecutePlanRunsInDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	run := func(ctx context.Context, agent string, task Task) (string, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return "ok", nil
	}

	c := New(run, nil)
	plan := Plan{Phases: []Phase{{
		Name: "p1",
		Tasks: []Task{
			{ID: "a", Agent: "x"},
			{ID: "b", Agent: "x", DependsOn: []string{"a"}},
		},
	}}}

	results, err := c.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestExecutePhaseRespectsMaxConcurrency(t *testing.T) {
	var current, max int32
	run := func(ctx context.Context, agent string, task Task) (string, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&max)
			if n <= old || atomic.CompareAndSwapInt32(&max, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return "ok", nil
	}

	c := New(run, nil)
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{ID: string(rune('a' + i)), Agent: "x"}
	}
	plan := Plan{Phases: []Phase{{Name: "p1", Tasks: tasks, MaxConcurrency: 2}}}

	_, err := c.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.LessOrEqual(t, atomic.LoadInt32(&max), int32(2))
}

func TestRunOneFallsBackOnceOnFailure(t *testing.T) {
	run := func(ctx context.Context, agent string, task Task) (string, error) {
		if agent == "primary" {
			return "", errors.New("boom")
		}
		return "fallback-ok", nil
	}
	c := New(run, nil)
	result := c.runOne(context.Background(), Task{ID: "a", Agent: "primary", FallbackAgent: "secondary"})
	require.NoError(t, result.Err)
	assert.True(t, result.UsedFallback)
	assert.Equal(t, "fallback-ok", result.Output)
}

func TestRunOneRecordsScratchpadOnFallback(t *testing.T) {
	run := func(ctx context.Context, agent string, task Task) (string, error) {
		if agent == "security-architect" {
			return "", &orcherrors.TimeoutError{Operation: "oracle exec security-architect"}
		}
		return "fallback-ok", nil
	}
	c := New(run, nil)
	result := c.runOne(context.Background(), Task{ID: "a", Agent: "security-architect", FallbackAgent: "architect"})
	require.NoError(t, result.Err)
	assert.True(t, result.UsedFallback)

	scratchpad := c.Scratchpad()
	require.Len(t, scratchpad, 1)
	assert.Equal(t, "a", scratchpad[0].TaskID)
	assert.Equal(t, "timeout", scratchpad[0].FailureReason)
	assert.Equal(t, "security-architect", scratchpad[0].AvoidApproach)
}

func TestRunOneDeniedBySpawnGate(t *testing.T) {
	run := func(ctx context.Context, agent string, task Task) (string, error) { return "ok", nil }
	spawn := func(minFreeMB int64) (bool, int64) { return false, 10 }
	c := New(run, spawn)

	result := c.runOne(context.Background(), Task{ID: "a", Agent: "x", MinFreeMemMB: 500})
	assert.Error(t, result.Err)
}

func TestTaskConditionSkipsWhenFalse(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	run := func(ctx context.Context, agent string, task Task) (string, error) {
		mu.Lock()
		ran = append(ran, task.ID)
		mu.Unlock()
		return "ok", nil
	}
	c := New(run, nil)
	plan := Plan{Phases: []Phase{
		{Name: "p1", Tasks: []Task{{ID: "a", Agent: "x"}}},
		{Name: "p2", Tasks: []Task{{ID: "b", Agent: "x", Condition: `completed["a"] == false`}}},
	}}

	results, err := c.ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[1].Skipped)
	assert.NotContains(t, ran, "b")
}

func TestCompactLeavesSmallPlanUnchanged(t *testing.T) {
	plan := Plan{Phases: []Phase{{Tasks: []Task{{ID: "a", Prompt: "short prompt"}}}}}
	out := Compact(plan)
	assert.Equal(t, plan, out)
}

func TestCompactTruncatesOversizedPlan(t *testing.T) {
	bigPrompt := strings.Repeat("x", CompactionThreshold*8)
	plan := Plan{Phases: []Phase{{Tasks: []Task{{ID: "a", Prompt: bigPrompt}}}}}

	out := Compact(plan)
	assert.Less(t, EstimateTokens(out), EstimateTokens(plan))
}
