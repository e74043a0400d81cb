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

// Package telemetry implements the opt-in event log from spec.md
// §4.12: an append-only, per-day JSON Lines log with PII scrubbing,
// a default 90-day retention window, and report/export/purge
// operations.
package telemetry

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// DefaultRetention matches spec.md §4.12's default purge window.
const DefaultRetention = 90 * 24 * time.Hour

// Event is one recorded occurrence.
type Event struct {
	Type      string         `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder appends scrubbed events to per-day log files under dir.
// Recording is a no-op whenever Enabled is false, so callers can log
// unconditionally and let the opt-in flag gate it.
type Recorder struct {
	dir     string
	mu      sync.Mutex
	Enabled bool
}

// NewRecorder creates a Recorder rooted at dir.
func NewRecorder(dir string, enabled bool) *Recorder {
	return &Recorder{dir: dir, Enabled: enabled}
}

func (r *Recorder) fileFor(t time.Time) string {
	return filepath.Join(r.dir, "events-"+t.UTC().Format("2006-01-02")+".jsonl")
}

// LogEvent scrubs e.Data and appends it to today's log file. It is a
// no-op if the recorder is disabled.
func (r *Recorder) LogEvent(e Event) error {
	if !r.Enabled {
		return nil
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Type = scrub(e.Type)
	if e.Data != nil {
		scrubbed := scrubValue(e.Data).(map[string]any)
		e.Data = scrubbed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return orcherrors.Wrap(err, "marshal telemetry event")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return orcherrors.Wrap(err, "create telemetry dir")
	}
	f, err := os.OpenFile(r.fileFor(e.Timestamp), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return orcherrors.Wrap(err, "open telemetry log")
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return orcherrors.Wrap(err, "append telemetry event")
	}
	return nil
}

// Summary aggregates event counts by type over a window.
type Summary struct {
	From       time.Time      `json:"from"`
	To         time.Time      `json:"to"`
	TotalCount int            `json:"total_count"`
	ByType     map[string]int `json:"by_type"`
}

// eachEventInWindow scans every day-file overlapping [from, to] and
// calls fn for every event whose timestamp falls inside the window.
func (r *Recorder) eachEventInWindow(from, to time.Time, fn func(Event)) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return orcherrors.Wrap(err, "read telemetry dir")
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "events-") {
			continue
		}
		path := filepath.Join(r.dir, e.Name())
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var ev Event
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				continue
			}
			if (ev.Timestamp.Equal(from) || ev.Timestamp.After(from)) && (ev.Timestamp.Equal(to) || ev.Timestamp.Before(to)) {
				fn(ev)
			}
		}
		f.Close()
	}
	return nil
}

// Report summarizes event counts between from and to (inclusive).
func (r *Recorder) Report(from, to time.Time) (*Summary, error) {
	summary := &Summary{From: from, To: to, ByType: map[string]int{}}
	err := r.eachEventInWindow(from, to, func(ev Event) {
		summary.TotalCount++
		summary.ByType[ev.Type]++
	})
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// Export writes every event in [from, to] as a JSON array to w, sorted
// chronologically.
func (r *Recorder) Export(from, to time.Time, w io.Writer) error {
	var events []Event
	if err := r.eachEventInWindow(from, to, func(ev Event) { events = append(events, ev) }); err != nil {
		return err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return orcherrors.Wrap(enc.Encode(events), "encode telemetry export")
}

// Purge deletes day-files entirely older than retention (measured from
// now), returning the deleted file names. A retention of zero uses
// DefaultRetention.
func (r *Recorder) Purge(retention time.Duration) ([]string, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention)

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, orcherrors.Wrap(err, "read telemetry dir")
	}

	var deleted []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "events-") {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "events-"), ".jsonl")
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if t.AddDate(0, 0, 1).Before(cutoff) {
			if err := os.Remove(filepath.Join(r.dir, e.Name())); err != nil {
				return deleted, orcherrors.Wrap(err, "remove expired telemetry file")
			}
			deleted = append(deleted, e.Name())
		}
	}
	return deleted, nil
}
