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

// Package snapshot implements the Snapshot Manager from spec.md §4.8:
// checksummed, optionally gzip-compressed context checkpoints that can
// be pinned against pruning and restored by ID.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// Kind distinguishes why a snapshot was taken.
type Kind string

const (
	KindAuto       Kind = "auto"
	KindManual     Kind = "manual"
	KindCheckpoint Kind = "checkpoint"
	KindMilestone  Kind = "milestone"
	KindRecovery   Kind = "recovery"
)

// CompressionThreshold is the payload size above which Create gzips the
// snapshot body.
const CompressionThreshold = 64 * 1024

// Meta is the metadata stored inside each snapshot file's envelope.
type Meta struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Kind        Kind      `json:"kind"`
	Label       string    `json:"label,omitempty"`
	Pinned      bool      `json:"pinned"`
	Compressed  bool      `json:"compressed"`
	Checksum    string    `json:"checksum"`
	CreatedAt   time.Time `json:"created_at"`
	SizeBytes   int64     `json:"size_bytes"`
}

// envelope is the on-disk JSON container: metadata plus the opaque
// caller payload. The payload bytes (plain JSON, or gzip output when
// compressed) are stored as a base64 JSON string.
type envelope struct {
	Meta    Meta            `json:"meta"`
	Payload json.RawMessage `json:"payload"`
}

// Manager stores snapshots as individual files under a root directory,
// one per snapshot ID, named "<id>.snapshot".
type Manager struct {
	root string
}

// New creates a Manager rooted at dir. The directory is created lazily
// on first write.
func New(dir string) *Manager {
	return &Manager{root: dir}
}

func (m *Manager) pathFor(id string) string {
	return filepath.Join(m.root, id+".snapshot")
}

// CreateOptions configure a new snapshot.
type CreateOptions struct {
	RunID  string
	Kind   Kind
	Label  string
	Pinned bool
}

// Create serializes payload, checksums it, optionally gzips it above
// CompressionThreshold, and writes it atomically. Milestone snapshots
// are pinned automatically per spec.md §4.8.
func (m *Manager) Create(ctx context.Context, payload any, opts CreateOptions) (*Meta, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, orcherrors.Wrap(err, "marshal snapshot payload")
	}

	kind := opts.Kind
	if kind == "" {
		kind = KindAuto
	}
	opts.Kind = kind

	pinned := opts.Pinned || opts.Kind == KindMilestone
	createdAt := time.Now()
	id := newSnapshotID(opts.Kind, createdAt)

	meta := Meta{
		ID:        id,
		RunID:     opts.RunID,
		Kind:      opts.Kind,
		Label:     opts.Label,
		Pinned:    pinned,
		Checksum:  checksum(raw),
		CreatedAt: createdAt,
		SizeBytes: int64(len(raw)),
	}

	body := raw
	if len(raw) > CompressionThreshold {
		compressed, err := gzipBytes(raw)
		if err != nil {
			return nil, orcherrors.Wrap(err, "gzip snapshot payload")
		}
		body = compressed
		meta.Compressed = true
	}

	env := envelope{Meta: meta, Payload: json.RawMessage(mustMarshalBytes(body))}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, orcherrors.Wrap(err, "marshal snapshot envelope")
	}

	if err := os.MkdirAll(m.root, 0o700); err != nil {
		return nil, orcherrors.Wrap(err, "create snapshot dir")
	}
	if err := writeAtomic(m.pathFor(id), data); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Get loads the snapshot with id, validates its checksum, decompresses
// if needed, and unmarshals the payload into out.
func (m *Manager) Get(ctx context.Context, id string, out any) (*Meta, error) {
	data, err := os.ReadFile(m.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &orcherrors.MissingArtifactError{RunID: "", Name: id}
		}
		return nil, orcherrors.Wrap(err, "read snapshot")
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, orcherrors.Wrap(err, "unmarshal snapshot envelope")
	}

	var bodyBytes []byte
	if err := json.Unmarshal(env.Payload, &bodyBytes); err != nil {
		return nil, orcherrors.Wrap(err, "unmarshal snapshot body")
	}

	raw := bodyBytes
	if env.Meta.Compressed {
		raw, err = gunzipBytes(bodyBytes)
		if err != nil {
			return nil, orcherrors.Wrap(err, "gunzip snapshot payload")
		}
	}

	got := checksum(raw)
	if got != env.Meta.Checksum {
		return nil, &orcherrors.CorruptSnapshotError{SnapshotID: id, Want: env.Meta.Checksum, Got: got}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, orcherrors.Wrap(err, "unmarshal snapshot payload")
		}
	}
	return &env.Meta, nil
}

// List returns metadata for every snapshot, optionally filtered by
// runID (empty matches all), newest first.
func (m *Manager) List(runID string) ([]Meta, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, orcherrors.Wrap(err, "read snapshot dir")
	}

	var metas []Meta
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.root, e.Name()))
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if runID != "" && env.Meta.RunID != runID {
			continue
		}
		metas = append(metas, env.Meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Delete removes a snapshot. Pinned snapshots refuse deletion unless
// force is set (spec.md §4.8: "pinned snapshots survive pruning and
// casual deletion").
func (m *Manager) Delete(id string, force bool) error {
	path := m.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return orcherrors.Wrap(err, "read snapshot for delete")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Meta.Pinned && !force {
		return &orcherrors.ValidationError{
			Field:      "pinned",
			Message:    fmt.Sprintf("snapshot %s is pinned", id),
			Suggestion: "pass force=true to delete a pinned snapshot",
		}
	}
	return orcherrors.Wrap(os.Remove(path), "delete snapshot")
}

// Prune keeps the newest keepCount snapshots for runID (across all
// kinds) and deletes the rest. Pinned snapshots are never counted
// against or removed by pruning when respectPinned is true. Returns
// the IDs deleted.
func (m *Manager) Prune(runID string, keepCount int, respectPinned bool) ([]string, error) {
	metas, err := m.List(runID)
	if err != nil {
		return nil, err
	}

	var candidates []Meta
	for _, mm := range metas {
		if respectPinned && mm.Pinned {
			continue
		}
		candidates = append(candidates, mm)
	}
	// candidates is already newest-first from List.
	if keepCount >= len(candidates) {
		return nil, nil
	}

	var deleted []string
	for _, mm := range candidates[keepCount:] {
		if err := m.Delete(mm.ID, false); err != nil {
			return deleted, err
		}
		deleted = append(deleted, mm.ID)
	}
	return deleted, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// newSnapshotID builds a snap-<type>-<epoch>-<rand6> identifier per
// spec.md §3, using a UUID fragment for the random suffix rather than
// a separate RNG dependency.
func newSnapshotID(kind Kind, createdAt time.Time) string {
	rand6 := uuid.NewString()
	rand6 = rand6[len(rand6)-6:]
	return fmt.Sprintf("snap-%s-%d-%s", kind, createdAt.UnixMilli(), rand6)
}

func gzipBytes(b []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func mustMarshalBytes(b []byte) []byte {
	data, err := json.Marshal(b)
	if err != nil {
		panic(err) // marshaling a []byte to a JSON string cannot fail
	}
	return data
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return orcherrors.Wrap(err, "create temp snapshot file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return orcherrors.Wrap(err, "write temp snapshot file")
	}
	if err := tmp.Close(); err != nil {
		return orcherrors.Wrap(err, "close temp snapshot file")
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return orcherrors.Wrap(err, "chmod temp snapshot file")
	}
	return orcherrors.Wrap(os.Rename(tmpPath, path), "rename temp snapshot file")
}
