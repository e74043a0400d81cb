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

// Package workflow loads the YAML workflow definitions the Router
// selects (spec.md §4.2) and turns them into a coordinator.Plan
// (spec.md §4.3). It is the one piece of the Flow (§2) that has no
// runtime state of its own: a Definition is read once per run and
// handed to the Coordinator.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/conductorrun/agentrun/internal/coordinator"
	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// Step is one unit of delegated work in a workflow definition. It
// carries everything the Coordinator, Context Packet Builder, and
// Skill Optimizer need to run the step, unlike coordinator.Task which
// only carries what scheduling itself needs.
type Step struct {
	ID               string   `yaml:"id"`
	Agent            string   `yaml:"agent"`
	FallbackAgent    string   `yaml:"fallback_agent,omitempty"`
	Goal             string   `yaml:"goal"`
	Constraints      []string `yaml:"constraints,omitempty"`
	References       []string `yaml:"references,omitempty"`
	DefinitionOfDone []string `yaml:"definition_of_done,omitempty"`
	DependsOn        []string `yaml:"depends_on,omitempty"`
	Condition        string   `yaml:"condition,omitempty"`
	MinFreeMemMB     int64    `yaml:"min_free_mem_mb,omitempty"`
	RequiredSkills   []string `yaml:"required_skills,omitempty"`
	TriggeredSkills  []string `yaml:"triggered_skills,omitempty"`
	MaxTokens        int      `yaml:"max_tokens,omitempty"`

	// ProducesPlan marks a plan-emitting step (spec.md §4.3: "Plan-
	// emitting steps additionally invoke §4.4 with the produced plan").
	ProducesPlan bool   `yaml:"produces_plan,omitempty"`
	TaskType     string `yaml:"task_type,omitempty"`
}

// Phase is a set of steps the Coordinator may run concurrently.
type Phase struct {
	Name           string `yaml:"name"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty"`
	Steps          []Step `yaml:"steps"`
}

// Definition is a complete workflow: its name plus ordered phases.
type Definition struct {
	Name   string  `yaml:"name"`
	Phases []Phase `yaml:"phases"`
}

// Load parses a workflow YAML file and validates it: every step needs
// a non-empty id and agent, step ids are unique across the whole
// definition, and every depends_on reference resolves to a declared
// step. Cyclic dependency graphs are an input-validation error per
// spec.md §9's design note, never materialized into runtime state.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, orcherrors.Wrapf(err, "read workflow file %s", path)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, orcherrors.Wrapf(err, "parse workflow yaml %s", path)
	}
	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *Definition) validate() error {
	if len(d.Phases) == 0 {
		return &orcherrors.ValidationError{Field: "phases", Message: "workflow must declare at least one phase"}
	}

	seen := make(map[string]bool)
	for _, phase := range d.Phases {
		for _, s := range phase.Steps {
			if s.ID == "" {
				return &orcherrors.ValidationError{Field: "steps[].id", Message: "step id must not be empty"}
			}
			if s.Agent == "" {
				return &orcherrors.ValidationError{Field: "steps[].agent", Message: fmt.Sprintf("step %q must declare an agent", s.ID)}
			}
			if seen[s.ID] {
				return &orcherrors.ValidationError{Field: "steps[].id", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
			}
			seen[s.ID] = true
		}
	}
	for _, phase := range d.Phases {
		for _, s := range phase.Steps {
			for _, dep := range s.DependsOn {
				if !seen[dep] {
					return &orcherrors.ValidationError{
						Field:   "steps[].depends_on",
						Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep),
					}
				}
			}
		}
	}
	return detectCycle(d)
}

// detectCycle walks the dependency graph depth-first across all
// phases (a later phase's step may depend on an earlier phase's step,
// so cycles are checked over the whole definition, not per-phase).
func detectCycle(d *Definition) error {
	deps := make(map[string][]string)
	for _, phase := range d.Phases {
		for _, s := range phase.Steps {
			deps[s.ID] = s.DependsOn
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return &orcherrors.ValidationError{Field: "steps[].depends_on", Message: fmt.Sprintf("dependency cycle detected at step %q", id)}
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for id := range deps {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// StepByID indexes every step in the definition by id, for lookups the
// Coordinator's TaskRunner needs (context, skills, plan review) that a
// bare coordinator.Task does not carry.
func (d *Definition) StepByID() map[string]Step {
	out := make(map[string]Step)
	for _, phase := range d.Phases {
		for _, s := range phase.Steps {
			out[s.ID] = s
		}
	}
	return out
}

// StepNumbers assigns each step its 1-based position in declaration
// order, for the canonical gates/NN-<agent>.json / reasoning/NN-<agent>.json
// filenames (spec.md §4.10); step 0 is reserved for the router's
// route_decision artifact.
func (d *Definition) StepNumbers() map[string]int {
	out := make(map[string]int)
	n := 1
	for _, phase := range d.Phases {
		for _, s := range phase.Steps {
			out[s.ID] = n
			n++
		}
	}
	return out
}

// Plan converts the definition into a coordinator.Plan. The Prompt
// field carries the step's goal only, for the Coordinator's token
// compaction estimate (Compact/EstimateTokens); the TaskRunner rebuilds
// the actual delegation prompt from the full Step via a Context Packet.
func (d *Definition) Plan() coordinator.Plan {
	plan := coordinator.Plan{Phases: make([]coordinator.Phase, len(d.Phases))}
	for i, phase := range d.Phases {
		tasks := make([]coordinator.Task, len(phase.Steps))
		for j, s := range phase.Steps {
			tasks[j] = coordinator.Task{
				ID:            s.ID,
				Agent:         s.Agent,
				FallbackAgent: s.FallbackAgent,
				Prompt:        s.Goal,
				DependsOn:     s.DependsOn,
				MinFreeMemMB:  s.MinFreeMemMB,
				Condition:     s.Condition,
			}
		}
		plan.Phases[i] = coordinator.Phase{
			Name:           phase.Name,
			Tasks:          tasks,
			MaxConcurrency: phase.MaxConcurrency,
		}
	}
	return plan
}
