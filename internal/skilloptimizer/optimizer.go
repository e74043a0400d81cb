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

// Package skilloptimizer implements the Skill Context Optimizer from
// spec.md §4.6: it shrinks the set of skill documents handed to an
// agent down to a per-skill token budget, regenerating cached content
// only when the source changes.
package skilloptimizer

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/conductorrun/agentrun/internal/sharedcache"
)

// Level controls how aggressively skill content is trimmed.
type Level string

const (
	LevelMinimal   Level = "MINIMAL"
	LevelEssential Level = "ESSENTIAL"
	LevelStandard  Level = "STANDARD"
	LevelFull      Level = "FULL"
)

// fraction is the share of a skill's full content kept at each level,
// per spec.md §4.6's level table.
var fraction = map[Level]float64{
	LevelMinimal:   0.1,
	LevelEssential: 0.3,
	LevelStandard:  0.6,
	LevelFull:      1.0,
}

// Skill is a single skill document available for inclusion.
type Skill struct {
	Name     string
	Content  string
	Required bool // always included regardless of budget
}

// Options configures a single optimize call.
type Options struct {
	Level      Level
	MaxTokens  int
	Prioritize []string // skill names to favor when tokens run out
}

// Result is the optimized set of skill contents, keyed by name.
type Result struct {
	Included map[string]string
	Dropped  []string
	Level    Level
	Cached   map[string]bool
}

// Optimizer trims skill content to fit a token budget, caching the
// trimmed output so unchanged skills are not re-trimmed every call.
type Optimizer struct {
	cache *sharedcache.Cache
}

// New creates an Optimizer backed by the given shared cache path.
func New(cachePath string) *Optimizer {
	return &Optimizer{cache: sharedcache.New(cachePath)}
}

// Optimize selects requiredSkills (always included) plus triggeredSkills
// (included in priority order until the token budget is exhausted),
// trimming each skill's content to its fair share of maxTokens.
func (o *Optimizer) Optimize(requiredSkills, triggeredSkills []Skill, opts Options) Result {
	level := opts.Level
	if level == "" {
		level = LevelStandard
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}

	ordered := orderSkills(requiredSkills, triggeredSkills, opts.Prioritize)
	n := len(ordered)
	if n == 0 {
		return Result{Included: map[string]string{}, Level: level}
	}
	perSkillBudget := maxTokens / n
	if perSkillBudget < 1 {
		perSkillBudget = 1
	}

	result := Result{
		Included: make(map[string]string, n),
		Cached:   make(map[string]bool, n),
		Level:    level,
	}

	remaining := maxTokens
	for _, s := range ordered {
		budget := perSkillBudget
		if s.Required {
			// required skills are never dropped, but still trimmed
			// to the level fraction within their fair share.
		} else if remaining <= 0 {
			result.Dropped = append(result.Dropped, s.Name)
			continue
		}
		if budget > remaining && !s.Required {
			budget = remaining
		}

		trimmed, fromCache := o.trim(s, level, budget)
		result.Included[s.Name] = trimmed
		result.Cached[s.Name] = fromCache
		remaining -= tokenEstimate(trimmed)
	}
	return result
}

// orderSkills places required skills first (stable), then triggered
// skills in prioritize order, then any remaining triggered skills in
// their given order.
func orderSkills(required, triggered []Skill, prioritize []string) []Skill {
	out := make([]Skill, 0, len(required)+len(triggered))
	seen := make(map[string]bool)
	for _, s := range required {
		s.Required = true
		out = append(out, s)
		seen[s.Name] = true
	}

	rank := make(map[string]int, len(prioritize))
	for i, name := range prioritize {
		rank[name] = i
	}

	rest := make([]Skill, 0, len(triggered))
	for _, s := range triggered {
		if seen[s.Name] {
			continue
		}
		rest = append(rest, s)
	}
	sort.SliceStable(rest, func(i, j int) bool {
		ri, oki := rank[rest[i].Name]
		rj, okj := rank[rest[j].Name]
		if oki && okj {
			return ri < rj
		}
		if oki != okj {
			return oki // prioritized skills sort before non-prioritized ones
		}
		return false
	})
	return append(out, rest...)
}

// trim returns the content for skill s truncated to fit within
// tokenBudget at the given level, using the shared cache keyed by a
// content hash so unchanged skills skip re-trimming.
func (o *Optimizer) trim(s Skill, level Level, tokenBudget int) (string, bool) {
	key := cacheKey(s.Name, s.Content, level, tokenBudget)
	if o.cache != nil {
		if cached, ok := o.cache.Get(key); ok {
			return cached, true
		}
	}

	frac := fraction[level]
	if frac <= 0 {
		frac = 1.0
	}
	levelChars := int(float64(len(s.Content)) * frac)
	budgetChars := tokenBudget * 4 // ~4 chars/token heuristic, matching the rest of this stack's token estimator
	limit := levelChars
	if budgetChars < limit {
		limit = budgetChars
	}
	if limit <= 0 || limit >= len(s.Content) {
		limit = len(s.Content)
	}

	trimmed := s.Content[:limit]
	if o.cache != nil {
		_ = o.cache.Set(key, trimmed, 0)
	}
	return trimmed, false
}

func cacheKey(name, content string, level Level, budget int) string {
	sum := sha256.Sum256([]byte(content))
	return "skillopt:" + name + ":" + string(level) + ":" + itoa(budget) + ":" + hex.EncodeToString(sum[:8])
}

func tokenEstimate(s string) int {
	n := len(s) / 4
	if n < 1 && s != "" {
		n = 1
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b strings.Builder
	digits := make([]byte, 0, 8)
	for n > 0 {
		digits = append(digits, byte('0'+n%10))
		n /= 10
	}
	if neg {
		b.WriteByte('-')
	}
	for i := len(digits) - 1; i >= 0; i-- {
		b.WriteByte(digits[i])
	}
	return b.String()
}
