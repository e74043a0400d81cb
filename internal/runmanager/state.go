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

import "github.com/conductorrun/agentrun/pkg/orcherrors"

// Status is a Run's position in its lifecycle state machine.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRouting   Status = "routing"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var validStatuses = map[Status]bool{
	StatusCreated:   true,
	StatusRouting:   true,
	StatusRunning:   true,
	StatusPaused:    true,
	StatusCompleted: true,
	StatusFailed:    true,
}

// IsValid reports whether s is one of the declared statuses.
func (s Status) IsValid() bool { return validStatuses[s] }

// IsTerminal reports whether no further transition is possible from s.
func (s Status) IsTerminal() bool { return s == StatusCompleted || s == StatusFailed }

// transitions encodes the state machine from spec.md §3:
// created -> routing -> running <-> paused -> {completed, failed}.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {StatusRouting: true, StatusFailed: true},
	StatusRouting: {StatusRunning: true, StatusFailed: true},
	StatusRunning: {StatusPaused: true, StatusCompleted: true, StatusFailed: true},
	StatusPaused:  {StatusRunning: true, StatusFailed: true},
}

// CheckTransition reports whether moving from `from` to `to` is legal,
// returning ErrInvalidTransition (via orcherrors.InvalidTransitionError) if not.
func CheckTransition(runID string, from, to Status) error {
	if from == to {
		return nil
	}
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return &orcherrors.InvalidTransitionError{RunID: runID, From: string(from), To: string(to)}
}
