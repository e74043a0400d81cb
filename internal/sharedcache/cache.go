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

package sharedcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

const (
	// MaxTotalBytes bounds the cache to 50MB per spec.md §3/§8.
	MaxTotalBytes = 50 * 1024 * 1024

	// DefaultTTL is the default entry lifetime.
	DefaultTTL = 30 * time.Minute

	// FlushInterval is the maximum delay before a dirty hot map is
	// flushed to disk.
	FlushInterval = 5 * time.Second
)

// Entry is a single cache row.
type Entry struct {
	Content   string    `json:"content"`
	ExpiresAt time.Time `json:"expires_at"`
	SizeMB    float64   `json:"size_mb"`
	Hash      string    `json:"hash"`
	CreatedAt time.Time `json:"created_at"`
}

func (e Entry) sizeBytes() int64 {
	return int64(e.SizeMB * 1024 * 1024)
}

// document is the on-disk JSON shape.
type document struct {
	Entries      map[string]Entry `json:"entries"`
	LastModified time.Time        `json:"last_modified"`
}

// Cache is a cross-process, file-locked, TTL+LRU skill-content cache.
type Cache struct {
	path     string
	lockPath string

	mu       sync.Mutex
	hot      map[string]Entry
	dirty    bool
	lastFlush time.Time
}

// New creates a Cache backed by the JSON file at path (and a sidecar
// path+".lock"). The file need not exist yet.
func New(path string) *Cache {
	return &Cache{
		path:     path,
		lockPath: path + ".lock",
		hot:      make(map[string]Entry),
	}
}

// Get returns the entry for key if present and unexpired. The hot map is
// consulted first; on a hot-map miss, disk is read as a fallback (spec.md
// §5: "get prefers the hot map, falls back to disk").
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	if e, ok := c.hot[key]; ok {
		c.mu.Unlock()
		if time.Now().After(e.ExpiresAt) {
			return "", false
		}
		return e.Content, true
	}
	c.mu.Unlock()

	doc, err := c.readDoc()
	if err != nil {
		return "", false
	}
	e, ok := doc.Entries[key]
	if !ok {
		return "", false
	}
	if time.Now().After(e.ExpiresAt) {
		return "", false
	}
	return e.Content, true
}

// Set stores content under key with the given TTL (DefaultTTL if zero),
// evicting oldest-by-createdAt entries until the new total fits within
// MaxTotalBytes, then marks the hot map dirty for a debounced flush.
func (c *Cache) Set(key, content string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	entry := Entry{
		Content:   content,
		ExpiresAt: time.Now().Add(ttl),
		SizeMB:    float64(len(content)) / (1024 * 1024),
		Hash:      hashOf(content),
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	c.hot[key] = entry
	c.evictLocked(0)
	c.dirty = true
	shouldFlush := time.Since(c.lastFlush) >= FlushInterval
	c.mu.Unlock()

	if shouldFlush {
		return c.Flush()
	}
	return nil
}

// evictLocked removes oldest-by-createdAt entries from the hot map until
// total size (plus `incoming` extra bytes) is within MaxTotalBytes. Caller
// must hold c.mu.
func (c *Cache) evictLocked(incoming int64) {
	total := incoming
	for _, e := range c.hot {
		total += e.sizeBytes()
	}
	if total <= MaxTotalBytes {
		return
	}

	type kv struct {
		key     string
		created time.Time
	}
	ordered := make([]kv, 0, len(c.hot))
	for k, e := range c.hot {
		ordered = append(ordered, kv{k, e.CreatedAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].created.Before(ordered[j].created) })

	for _, item := range ordered {
		if total <= MaxTotalBytes {
			break
		}
		total -= c.hot[item.key].sizeBytes()
		delete(c.hot, item.key)
	}
}

// Flush acquires the advisory lock (degrading gracefully on timeout) and
// writes the hot map to disk, merged with whatever is already there from
// other processes.
func (c *Cache) Flush() error {
	c.mu.Lock()
	if !c.dirty {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]Entry, len(c.hot))
	for k, v := range c.hot {
		snapshot[k] = v
	}
	c.mu.Unlock()

	lock := newFileLock(c.lockPath)
	acquired, err := lock.tryAcquire()
	if err != nil {
		return orcherrors.Wrap(err, "acquiring shared cache lock")
	}
	if acquired {
		defer lock.release()
	}
	// Whether or not the lock was acquired, we still write: graceful
	// degradation means lock-free writes remain available, accepting
	// occasional lost writes on contention (spec.md §5).

	doc, err := c.readDoc()
	if err != nil {
		doc = &document{Entries: map[string]Entry{}}
	}
	if doc.Entries == nil {
		doc.Entries = map[string]Entry{}
	}
	for k, v := range snapshot {
		doc.Entries[k] = v
	}
	doc.LastModified = time.Now()

	if err := c.writeDocAtomic(doc); err != nil {
		return err
	}

	c.mu.Lock()
	c.dirty = false
	c.lastFlush = time.Now()
	c.mu.Unlock()
	return nil
}

// TotalBytes returns the current in-memory hot-map footprint.
func (c *Cache) TotalBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, e := range c.hot {
		total += e.sizeBytes()
	}
	return total
}

func (c *Cache) readDoc() (*document, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (c *Cache) writeDocAtomic(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return orcherrors.Wrap(err, "marshal shared cache")
	}
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return orcherrors.Wrap(err, "create shared cache dir")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return orcherrors.Wrap(err, "create temp cache file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return orcherrors.Wrap(err, "write temp cache file")
	}
	if err := tmp.Close(); err != nil {
		return orcherrors.Wrap(err, "close temp cache file")
	}
	return orcherrors.Wrap(os.Rename(tmpPath, c.path), "rename temp cache file")
}

func hashOf(content string) string {
	// A content hash is used purely for change detection, not security;
	// a 64-bit rolling hash keeps this dependency-free.
	var h uint64 = 1469598103934665603
	for i := 0; i < len(content); i++ {
		h ^= uint64(content[i])
		h *= 1099511628211
	}
	return itoaHex(h)
}

func itoaHex(v uint64) string {
	const hexdigits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 0, 16)
	for v > 0 {
		buf = append([]byte{hexdigits[v%16]}, buf...)
		v /= 16
	}
	return string(buf)
}
