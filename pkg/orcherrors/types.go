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

package orcherrors

import "fmt"

// InvalidTransitionError is returned when a Run status transition is not
// part of the declared state machine.
type InvalidTransitionError struct {
	RunID string
	From  string
	To    string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("run %s: invalid transition from %s to %s", e.RunID, e.From, e.To)
}

// MissingArtifactError is returned when a step declares a dependency on an
// artifact that is not registered, or not validation-pass.
type MissingArtifactError struct {
	RunID string
	Name  string
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("run %s: missing artifact %q", e.RunID, e.Name)
}

// CorruptSnapshotError is returned when a loaded snapshot's checksum does
// not match its recomputed value.
type CorruptSnapshotError struct {
	SnapshotID string
	Want       string
	Got        string
}

func (e *CorruptSnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s: checksum mismatch (want %s, got %s)", e.SnapshotID, e.Want, e.Got)
}

// TimeoutError is returned when an operation exceeds its configured timeout.
type TimeoutError struct {
	Operation string
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out", e.Operation)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// OracleFailureError wraps a failed Oracle Adapter invocation.
type OracleFailureError struct {
	Agent string
	Cause error
}

func (e *OracleFailureError) Error() string {
	return fmt.Sprintf("oracle invocation failed for agent %s: %v", e.Agent, e.Cause)
}

func (e *OracleFailureError) Unwrap() error { return e.Cause }

// InsufficientMemoryError is returned when the Memory Monitor denies a
// subagent spawn because free headroom is below the requested minimum.
type InsufficientMemoryError struct {
	FreeMB  float64
	WantMB  float64
}

func (e *InsufficientMemoryError) Error() string {
	return fmt.Sprintf("insufficient memory: have %.0fMB free, need %.0fMB", e.FreeMB, e.WantMB)
}

// ValidationError represents a structural/input validation failure.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// LockTimeoutError is returned when an advisory file lock could not be
// acquired within the bounded wait and the caller has not opted to degrade.
type LockTimeoutError struct {
	Path string
	Wait string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock on %s not acquired within %s", e.Path, e.Wait)
}

// MalformedMappingError is returned when a CUJ mapping row cannot be parsed.
type MalformedMappingError struct {
	Row    string
	Reason string
}

func (e *MalformedMappingError) Error() string {
	return fmt.Sprintf("malformed CUJ mapping row %q: %s", e.Row, e.Reason)
}

// BudgetExceededError is returned when a token or size budget is exceeded
// and no further compaction is possible.
type BudgetExceededError struct {
	Budget int
	Actual int
	What   string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("%s exceeds budget: %d > %d", e.What, e.Actual, e.Budget)
}
