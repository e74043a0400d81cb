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

// Package coordinator implements the Orchestrator Coordinator from
// spec.md §4.3: phase/task DAG scheduling with dependency eligibility,
// bounded concurrency, and fallback-once-on-failure delegation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// tracer emits one span per delegated task run, letting a step's
// traceparent (built by the Context Packet Builder) chain into the
// agent invocation that executes it.
var tracer = otel.Tracer("github.com/conductorrun/agentrun/internal/coordinator")

// Task is a single unit of delegated work within a phase.
type Task struct {
	ID            string
	Agent         string
	FallbackAgent string // used once if Agent's run fails
	Prompt        string
	DependsOn     []string
	MinFreeMemMB  int64

	// Condition, if set, is an expr-lang expression evaluated against
	// the set of completed task IDs (as env var `completed`, a
	// map[string]bool); a false result skips the task without error.
	Condition string
}

// Phase is a set of tasks that may run concurrently once their
// individual dependencies (which may reference tasks in earlier
// phases or within the same phase) are satisfied.
type Phase struct {
	Name           string
	Tasks          []Task
	MaxConcurrency int
}

// Plan is an ordered sequence of phases.
type Plan struct {
	Phases []Phase
}

// TaskResult is the outcome of running one task.
type TaskResult struct {
	TaskID       string
	Output       string
	Err          error
	UsedFallback bool
	Skipped      bool
}

// ScratchpadEntry records why a task's primary agent failed and which
// agent to avoid on future attempts, per spec.md §4.3/§8 end-to-end
// scenario 3 ("records the failure reason in the phase's scratchpad").
type ScratchpadEntry struct {
	TaskID        string
	FailureReason string
	AvoidApproach string
}

// TaskRunner executes a single task and returns its output.
type TaskRunner func(ctx context.Context, agent string, t Task) (string, error)

// SpawnGate answers whether a task requiring minFreeMB may start; it
// is satisfied by memorymonitor.Monitor.CanSpawnSubagent.
type SpawnGate func(minFreeMB int64) (canSpawn bool, freeMB int64)

// Coordinator executes a Plan phase by phase.
type Coordinator struct {
	Run   TaskRunner
	Spawn SpawnGate

	scratchpadMu sync.Mutex
	scratchpad   []ScratchpadEntry
}

// New creates a Coordinator. spawn may be nil to skip memory gating
// (e.g. in tests).
func New(run TaskRunner, spawn SpawnGate) *Coordinator {
	return &Coordinator{Run: run, Spawn: spawn}
}

// Scratchpad returns every fallback entry recorded so far across the
// phases this Coordinator has executed, in the shape spec.md's scenario
// 3 describes: `{taskId, failureReason, avoidApproach}`.
func (c *Coordinator) Scratchpad() []ScratchpadEntry {
	c.scratchpadMu.Lock()
	defer c.scratchpadMu.Unlock()
	out := make([]ScratchpadEntry, len(c.scratchpad))
	copy(out, c.scratchpad)
	return out
}

func (c *Coordinator) recordScratchpad(entry ScratchpadEntry) {
	c.scratchpadMu.Lock()
	defer c.scratchpadMu.Unlock()
	c.scratchpad = append(c.scratchpad, entry)
}

// failureReason maps an error to the short tag spec.md's scenario 3
// records (e.g. "timeout"), falling back to the error's own message
// for kinds with no dedicated tag.
func failureReason(err error) string {
	var timeoutErr *orcherrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		return "timeout"
	}
	var oracleErr *orcherrors.OracleFailureError
	if errors.As(err, &oracleErr) {
		return "oracle_failure"
	}
	var memErr *orcherrors.InsufficientMemoryError
	if errors.As(err, &memErr) {
		return "insufficient_memory"
	}
	return err.Error()
}

// ExecutePlan runs every phase in order, returning all task results
// across the whole plan. A phase whose every task fails (accounting
// for fallback) still allows later phases to run; callers inspect
// results to decide whether to halt.
func (c *Coordinator) ExecutePlan(ctx context.Context, plan Plan) ([]TaskResult, error) {
	var all []TaskResult
	completed := make(map[string]bool)

	for _, phase := range plan.Phases {
		results, err := c.executePhase(ctx, phase, completed)
		if err != nil {
			return all, err
		}
		all = append(all, results...)
		for _, r := range results {
			if r.Err == nil {
				completed[r.TaskID] = true
			}
		}
	}
	return all, nil
}

// executePhase runs a phase's tasks with bounded concurrency, honoring
// intra-phase dependency ordering: a task only starts once every
// dependency it lists (from this phase or earlier ones) has completed
// successfully. This mirrors the semaphore-channel fan-out this stack
// uses elsewhere to bound concurrent work.
func (c *Coordinator) executePhase(ctx context.Context, phase Phase, priorCompleted map[string]bool) ([]TaskResult, error) {
	n := len(phase.Tasks)
	if n == 0 {
		return nil, nil
	}

	concurrency := int64(phase.MaxConcurrency)
	if concurrency <= 0 {
		concurrency = int64(n)
	}
	sem := semaphore.NewWeighted(concurrency)

	results := make([]TaskResult, n)
	completed := make(map[string]bool, n)
	var mu sync.Mutex
	done := make(map[string]chan struct{}, n)
	for _, t := range phase.Tasks {
		done[t.ID] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i, t := range phase.Tasks {
		wg.Add(1)
		go func(i int, t Task) {
			defer wg.Done()
			defer close(done[t.ID])

			if err := c.waitForDeps(ctx, t, done, priorCompleted); err != nil {
				results[i] = TaskResult{TaskID: t.ID, Err: err, Skipped: true}
				return
			}

			mu.Lock()
			snapshot := make(map[string]bool, len(completed)+len(priorCompleted))
			for k, v := range priorCompleted {
				snapshot[k] = v
			}
			for k, v := range completed {
				snapshot[k] = v
			}
			mu.Unlock()

			for _, dep := range t.DependsOn {
				if !snapshot[dep] {
					results[i] = TaskResult{TaskID: t.ID, Skipped: true, Err: &orcherrors.ValidationError{
						Field:   "depends_on",
						Message: fmt.Sprintf("task %s dependency %s did not complete", t.ID, dep),
					}}
					return
				}
			}

			runnable, err := evaluateCondition(t.Condition, snapshot)
			if err != nil {
				results[i] = TaskResult{TaskID: t.ID, Err: err}
				return
			}
			if !runnable {
				results[i] = TaskResult{TaskID: t.ID, Skipped: true}
				return
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = TaskResult{TaskID: t.ID, Err: err}
				return
			}
			defer sem.Release(1)

			results[i] = c.runOne(ctx, t)
			if results[i].Err == nil {
				mu.Lock()
				completed[t.ID] = true
				mu.Unlock()
			}
		}(i, t)
	}
	wg.Wait()

	return results, nil
}

// evaluateCondition runs an expr-lang expression against the set of
// task IDs completed so far. An empty condition always runs.
func evaluateCondition(condition string, completed map[string]bool) (bool, error) {
	if condition == "" {
		return true, nil
	}
	out, err := expr.Eval(condition, map[string]any{"completed": completed})
	if err != nil {
		return false, orcherrors.Wrap(err, "evaluate task condition")
	}
	runnable, ok := out.(bool)
	if !ok {
		return false, &orcherrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q must evaluate to a bool", condition),
		}
	}
	return runnable, nil
}

// waitForDeps blocks until every dependency of t has either finished
// (success or failure, signaled via its done channel) or was already
// completed in an earlier phase. It does not check whether a dependency
// succeeded; executePhase skips the task when one did not complete.
func (c *Coordinator) waitForDeps(ctx context.Context, t Task, done map[string]chan struct{}, priorCompleted map[string]bool) error {
	for _, dep := range t.DependsOn {
		if priorCompleted[dep] {
			continue
		}
		ch, ok := done[dep]
		if !ok {
			return &orcherrors.ValidationError{
				Field:   "depends_on",
				Message: fmt.Sprintf("task %s depends on unknown task %s", t.ID, dep),
			}
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// runOne executes t.Agent, gated by the spawn check, and retries once
// against t.FallbackAgent if the primary run fails.
func (c *Coordinator) runOne(ctx context.Context, t Task) TaskResult {
	ctx, span := tracer.Start(ctx, "coordinator.task",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.agent", t.Agent),
		))
	defer span.End()

	if c.Spawn != nil && t.MinFreeMemMB > 0 {
		if ok, free := c.Spawn(t.MinFreeMemMB); !ok {
			err := &orcherrors.InsufficientMemoryError{FreeMB: float64(free), WantMB: float64(t.MinFreeMemMB)}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return TaskResult{TaskID: t.ID, Err: err}
		}
	}

	out, err := c.Run(ctx, t.Agent, t)
	if err == nil {
		return TaskResult{TaskID: t.ID, Output: out}
	}
	if t.FallbackAgent == "" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return TaskResult{TaskID: t.ID, Err: err}
	}

	c.recordScratchpad(ScratchpadEntry{
		TaskID:        t.ID,
		FailureReason: failureReason(err),
		AvoidApproach: t.Agent,
	})

	span.AddEvent("falling back", trace.WithAttributes(attribute.String("task.fallback_agent", t.FallbackAgent)))
	out, err = c.Run(ctx, t.FallbackAgent, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return TaskResult{TaskID: t.ID, Output: out, Err: err, UsedFallback: true}
}
