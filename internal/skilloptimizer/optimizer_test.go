package skilloptimizer

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizeAlwaysIncludesRequired(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "cache.json"))
	required := []Skill{{Name: "go-testing", Content: strings.Repeat("a", 1000)}}
	triggered := []Skill{{Name: "go-concurrency", Content: strings.Repeat("b", 1000)}}

	result := o.Optimize(required, triggered, Options{Level: LevelMinimal, MaxTokens: 10})
	_, ok := result.Included["go-testing"]
	assert.True(t, ok, "required skills are never dropped")
}

func TestOptimizeLevelsTrimProportionally(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "cache.json"))
	skill := []Skill{{Name: "go-testing", Content: strings.Repeat("a", 1000)}}

	minimal := o.Optimize(skill, nil, Options{Level: LevelMinimal, MaxTokens: 100000})
	full := o.Optimize(skill, nil, Options{Level: LevelFull, MaxTokens: 100000})

	assert.Less(t, len(minimal.Included["go-testing"]), len(full.Included["go-testing"]))
}

func TestOptimizeDropsLowPriorityWhenOverBudget(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "cache.json"))
	triggered := []Skill{
		{Name: "high-priority", Content: strings.Repeat("a", 400)},
		{Name: "low-priority", Content: strings.Repeat("b", 400)},
	}

	result := o.Optimize(nil, triggered, Options{
		Level:      LevelFull,
		MaxTokens:  1,
		Prioritize: []string{"high-priority", "low-priority"},
	})

	_, highIncluded := result.Included["high-priority"]
	assert.True(t, highIncluded)
	assert.Contains(t, result.Dropped, "low-priority")
}

func TestOptimizeReusesCacheForUnchangedContent(t *testing.T) {
	o := New(filepath.Join(t.TempDir(), "cache.json"))
	skill := []Skill{{Name: "go-testing", Content: strings.Repeat("a", 1000)}}

	first := o.Optimize(skill, nil, Options{Level: LevelStandard, MaxTokens: 500})
	require.False(t, first.Cached["go-testing"])

	second := o.Optimize(skill, nil, Options{Level: LevelStandard, MaxTokens: 500})
	assert.True(t, second.Cached["go-testing"], "identical skill/level/budget should hit the cache")
}
