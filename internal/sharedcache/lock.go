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

// Package sharedcache implements the cross-process skill-content cache
// from spec.md §4.7: a single JSON file plus an advisory sidecar lock,
// bounded to 50MB total, with TTL reads and LRU-by-createdAt eviction.
package sharedcache

import (
	"encoding/json"
	"os"
	"time"
)

const (
	staleLockAge  = 10 * time.Second
	maxLockWait   = 5 * time.Second
	backoffStart  = 50 * time.Millisecond
	backoffCap    = 500 * time.Millisecond
)

// lockPayload is the advisory sidecar content.
type lockPayload struct {
	PID       int       `json:"pid"`
	Timestamp time.Time `json:"timestamp"`
	Host      string    `json:"host"`
}

// fileLock is an advisory, exclusive-create lock with staleness recovery.
// It never blocks progress: on timeout the caller degrades to lock-free
// operation, per spec.md §4.7 and §5.
type fileLock struct {
	path    string
	held    bool
}

func newFileLock(path string) *fileLock {
	return &fileLock{path: path}
}

// tryAcquire attempts to acquire the lock with exponential backoff from
// 50ms to a 500ms cap, for up to maxLockWait. Returns (true, nil) if
// acquired, (false, nil) if the caller should proceed lock-free.
func (l *fileLock) tryAcquire() (bool, error) {
	deadline := time.Now().Add(maxLockWait)
	backoff := backoffStart

	for {
		if l.removeIfStale() {
			// fallthrough to retry create immediately after clearing a stale lock
		}

		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			payload := lockPayload{PID: os.Getpid(), Timestamp: time.Now(), Host: hostname()}
			data, _ := json.Marshal(payload)
			_, _ = f.Write(data)
			_ = f.Close()
			l.held = true
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil // graceful degradation
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// removeIfStale removes the lock file if it carries a timestamp older
// than staleLockAge, returning true if it removed anything.
func (l *fileLock) removeIfStale() bool {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return false
	}
	var payload lockPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// Unreadable lock content is itself a sign of staleness.
		_ = os.Remove(l.path)
		return true
	}
	if time.Since(payload.Timestamp) > staleLockAge {
		_ = os.Remove(l.path)
		return true
	}
	return false
}

func (l *fileLock) release() {
	if l.held {
		_ = os.Remove(l.path)
		l.held = false
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
