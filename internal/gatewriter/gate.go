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

// Package gatewriter writes the canonical per-step gate and reasoning
// files and implements recovery scanning over them (spec.md §4.10).
package gatewriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conductorrun/agentrun/internal/runmanager"
	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// GateStatus is the quality verdict for a step.
type GateStatus string

const (
	GatePass GateStatus = "pass"
	GateFail GateStatus = "fail"
	GateWarn GateStatus = "warn"
)

// Gate is the wire shape of spec.md §6's Gate Record.
type Gate struct {
	Step             int            `json:"step"`
	Agent            string         `json:"agent"`
	ValidationStatus GateStatus     `json:"validation_status"`
	Allowed          bool           `json:"allowed"`
	Errors           []string       `json:"errors"`
	Checks           map[string]any `json:"checks"`
	Timestamp        time.Time      `json:"timestamp"`
}

// Reasoning is the non-authoritative rationale/log payload for a step,
// used for recovery context and audit.
type Reasoning struct {
	Step      int            `json:"step"`
	Agent     string         `json:"agent"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Writer writes gate and reasoning records for a run.
type Writer struct {
	rm *runmanager.Manager
}

// New creates a Writer backed by rm's directory layout.
func New(rm *runmanager.Manager) *Writer {
	return &Writer{rm: rm}
}

func gateFilename(step int, agent string) string {
	return fmt.Sprintf("%02d-%s.json", step, agent)
}

// WriteGate writes the gate record for (runID, step, agent). Per spec.md
// §4.10, the writer refuses to overwrite a passing gate unless allowExplicit
// is set (the recovery-resumption escape hatch).
func (w *Writer) WriteGate(runID string, gate Gate, allowExplicit bool) error {
	dirs := w.rm.GetRunDirectoryStructure(runID)
	path := filepath.Join(dirs.Gates, gateFilename(gate.Step, gate.Agent))

	if existing, err := loadGate(path); err == nil {
		if existing.ValidationStatus == GatePass && !allowExplicit {
			if existing.ValidationStatus == gate.ValidationStatus {
				return nil // re-writing a passing gate as pass is a no-op; the stored record is kept
			}
			return &orcherrors.ValidationError{
				Field:   "gate",
				Message: fmt.Sprintf("step %d gate already passed; refusing overwrite with status %s", gate.Step, gate.ValidationStatus),
			}
		}
	}

	gate.Timestamp = time.Now()
	data, err := json.MarshalIndent(gate, "", "  ")
	if err != nil {
		return orcherrors.Wrap(err, "marshal gate")
	}
	if err := os.MkdirAll(dirs.Gates, 0o700); err != nil {
		return orcherrors.Wrap(err, "create gates dir")
	}
	return orcherrors.Wrap(writeFileAtomic(path, data), "write gate file")
}

// WriteReasoning writes the reasoning record for (runID, step, agent).
func (w *Writer) WriteReasoning(runID string, r Reasoning) error {
	dirs := w.rm.GetRunDirectoryStructure(runID)
	path := filepath.Join(dirs.Reasoning, gateFilename(r.Step, r.Agent))
	r.Timestamp = time.Now()
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return orcherrors.Wrap(err, "marshal reasoning")
	}
	if err := os.MkdirAll(dirs.Reasoning, 0o700); err != nil {
		return orcherrors.Wrap(err, "create reasoning dir")
	}
	return orcherrors.Wrap(writeFileAtomic(path, data), "write reasoning file")
}

func loadGate(path string) (*Gate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g Gate
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// ListGates returns every gate file's (step, agent, Gate) under the run,
// sorted by step descending (for recovery's highest-passing-step scan).
func (w *Writer) ListGates(runID string) ([]Gate, error) {
	dirs := w.rm.GetRunDirectoryStructure(runID)
	entries, err := os.ReadDir(dirs.Gates)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, orcherrors.Wrap(err, "read gates dir")
	}

	var gates []Gate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		g, err := loadGate(filepath.Join(dirs.Gates, e.Name()))
		if err != nil {
			continue
		}
		gates = append(gates, *g)
	}
	sort.Slice(gates, func(i, j int) bool { return gates[i].Step > gates[j].Step })
	return gates, nil
}

// ReadReasoning loads every reasoning record under the run, keyed by
// "NN-agent" filename stem.
func (w *Writer) ReadReasoning(runID string) (map[string]Reasoning, error) {
	dirs := w.rm.GetRunDirectoryStructure(runID)
	entries, err := os.ReadDir(dirs.Reasoning)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, orcherrors.Wrap(err, "read reasoning dir")
	}

	out := make(map[string]Reasoning)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dirs.Reasoning, e.Name()))
		if err != nil {
			continue
		}
		var r Reasoning
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		out[strings.TrimSuffix(e.Name(), ".json")] = r
	}
	return out, nil
}
