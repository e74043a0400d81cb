package sharedcache

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, c.Set("skill:go-testing", "content", time.Hour))

	got, ok := c.Get("skill:go-testing")
	require.True(t, ok)
	assert.Equal(t, "content", got)
}

func TestGetMissAfterTTL(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json"))
	require.NoError(t, c.Set("k", "v", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok, "entry must be a miss once past its TTL")
}

func TestSetEvictsOldestWhenOverBudget(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "cache.json"))

	big := strings.Repeat("x", 20*1024*1024) // 20MB
	require.NoError(t, c.Set("a", big, time.Hour))
	require.NoError(t, c.Set("b", big, time.Hour))
	require.NoError(t, c.Set("c", big, time.Hour)) // pushes total to 60MB, over the 50MB cap

	assert.LessOrEqual(t, c.TotalBytes(), int64(MaxTotalBytes))

	// "a" was oldest; it should have been evicted first.
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestFlushPersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c1 := New(path)
	require.NoError(t, c1.Set("k", "v", time.Hour))
	require.NoError(t, c1.Flush())

	c2 := New(path)
	got, ok := c2.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestFlushMergesConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	c1 := New(path)
	c2 := New(path)

	require.NoError(t, c1.Set("from-one", "1", time.Hour))
	require.NoError(t, c1.Flush())
	require.NoError(t, c2.Set("from-two", "2", time.Hour))
	require.NoError(t, c2.Flush())

	c3 := New(path)
	v1, ok1 := c3.Get("from-one")
	v2, ok2 := c3.Get("from-two")
	assert.True(t, ok1)
	assert.True(t, ok2)
	assert.Equal(t, "1", v1)
	assert.Equal(t, "2", v2)
}
