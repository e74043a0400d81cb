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

// Package router implements the Workflow Router from spec.md §4.2: it
// detects an explicit CUJ reference in the incoming request, resolves
// it against the CUJ-INDEX mapping table, and falls back to keyword
// scoring when no explicit reference is present.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Method records how a route decision was reached.
type Method string

const (
	MethodExplicit Method = "explicit"
	MethodSemantic Method = "semantic"
	MethodNone     Method = "none"
)

// cujPattern matches "/cuj-123", "cuj-123", "CUJ-123" etc. as a whole
// token, case-insensitively.
var cujPattern = regexp.MustCompile(`(?i)(?:/)?\bcuj-(\d+)\b`)

// IndexEntry is one row of the CUJ-INDEX mapping table.
type IndexEntry struct {
	CUJID    string
	Workflow string
	Keywords []string
}

// Decision is the router's output, persisted as route_decision.json.
type Decision struct {
	CUJID      string    `json:"cuj_id,omitempty"`
	Workflow   string    `json:"workflow"`
	Method     Method    `json:"method"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// DetectCUJ returns the first explicit CUJ id referenced in text, e.g.
// "cuj-042" from "please run /cuj-042 for this".
func DetectCUJ(text string) (string, bool) {
	m := cujPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return "cuj-" + m[1], true
}

// ParseIndex parses a Markdown pipe table with columns CUJ, Workflow,
// Keywords (column names matched case-insensitively; order does not
// matter), per spec.md §6's CUJ-INDEX format:
//
//	| CUJ     | Workflow          | Keywords            |
//	|---------|-------------------|---------------------|
//	| cuj-001 | onboard-user.yaml | signup, invite, new |
func ParseIndex(markdown string) ([]IndexEntry, error) {
	lines := strings.Split(markdown, "\n")
	var header []string
	var entries []IndexEntry
	headerSeen := false

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitRow(line)
		if isSeparatorRow(cells) {
			continue
		}
		if !headerSeen {
			header = lowerAll(cells)
			headerSeen = true
			continue
		}

		idx := indexOf(header, "cuj")
		wfIdx := indexOf(header, "workflow")
		kwIdx := indexOf(header, "keywords")
		if idx < 0 || wfIdx < 0 || idx >= len(cells) || wfIdx >= len(cells) {
			continue
		}

		entry := IndexEntry{
			CUJID:    strings.ToLower(strings.TrimSpace(cells[idx])),
			Workflow: strings.TrimSpace(cells[wfIdx]),
		}
		if kwIdx >= 0 && kwIdx < len(cells) {
			for _, kw := range strings.Split(cells[kwIdx], ",") {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw != "" {
					entry.Keywords = append(entry.Keywords, kw)
				}
			}
		}
		if entry.CUJID != "" && entry.Workflow != "" {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func splitRow(line string) []string {
	trimmed := strings.Trim(line, "|")
	parts := strings.Split(trimmed, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}

func indexOf(ss []string, target string) int {
	for i, s := range ss {
		if strings.Contains(s, target) {
			return i
		}
	}
	return -1
}

// Route resolves a request to a workflow. It first looks for an
// explicit CUJ reference and an exact index match; if none is found it
// falls back to scoring keyword overlap against every index entry and
// picks the highest-scoring workflow, per spec.md §4.2's fallback rule.
func Route(text string, index []IndexEntry) (*Decision, error) {
	now := time.Now()

	if cujID, ok := DetectCUJ(text); ok {
		for _, e := range index {
			if e.CUJID == cujID {
				return &Decision{
					CUJID:      cujID,
					Workflow:   e.Workflow,
					Method:     MethodExplicit,
					Confidence: 1.0,
					Timestamp:  now,
				}, nil
			}
		}
		return nil, fmt.Errorf("router: explicit reference %q has no CUJ-INDEX entry", cujID)
	}

	type scored struct {
		entry IndexEntry
		score float64
	}
	lowerText := strings.ToLower(text)
	var best []scored
	for _, e := range index {
		if len(e.Keywords) == 0 {
			continue
		}
		hits := 0
		for _, kw := range e.Keywords {
			if strings.Contains(lowerText, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		best = append(best, scored{entry: e, score: float64(hits) / float64(len(e.Keywords))})
	}
	if len(best) == 0 {
		return &Decision{Method: MethodNone, Timestamp: now}, nil
	}
	sort.Slice(best, func(i, j int) bool { return best[i].score > best[j].score })
	top := best[0]
	return &Decision{
		CUJID:      top.entry.CUJID,
		Workflow:   top.entry.Workflow,
		Method:     MethodSemantic,
		Confidence: top.score,
		Timestamp:  now,
	}, nil
}
