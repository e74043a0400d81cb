package snapshot

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

type samplePayload struct {
	Goal string `json:"goal"`
	Step int    `json:"step"`
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	m := New(t.TempDir())
	ctx := context.Background()

	meta, err := m.Create(ctx, samplePayload{Goal: "ship feature", Step: 3}, CreateOptions{RunID: "run-1", Kind: KindAuto})
	require.NoError(t, err)

	var out samplePayload
	gotMeta, err := m.Get(ctx, meta.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, "ship feature", out.Goal)
	assert.Equal(t, 3, out.Step)
	assert.Equal(t, meta.Checksum, gotMeta.Checksum)
}

func TestCreateIDMatchesSnapEpochRandShape(t *testing.T) {
	m := New(t.TempDir())
	meta, err := m.Create(context.Background(), samplePayload{}, CreateOptions{RunID: "run-1", Kind: KindCheckpoint})
	require.NoError(t, err)

	parts := strings.Split(meta.ID, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "snap", parts[0])
	assert.Equal(t, "checkpoint", parts[1])
	assert.Len(t, parts[3], 6)
}

func TestMilestoneSnapshotsArePinned(t *testing.T) {
	m := New(t.TempDir())
	meta, err := m.Create(context.Background(), samplePayload{}, CreateOptions{RunID: "run-1", Kind: KindMilestone})
	require.NoError(t, err)
	assert.True(t, meta.Pinned)
}

func TestLargePayloadIsCompressed(t *testing.T) {
	m := New(t.TempDir())
	big := samplePayload{Goal: strings.Repeat("x", CompressionThreshold+1)}
	meta, err := m.Create(context.Background(), big, CreateOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.True(t, meta.Compressed)

	var out samplePayload
	_, err = m.Get(context.Background(), meta.ID, &out)
	require.NoError(t, err)
	assert.Equal(t, big.Goal, out.Goal)
}

func TestCorruptedChecksumIsDetected(t *testing.T) {
	dir := t.TempDir()
	m := New(dir)
	meta, err := m.Create(context.Background(), samplePayload{Goal: "a"}, CreateOptions{RunID: "run-1"})
	require.NoError(t, err)

	path := filepath.Join(dir, meta.ID+".snapshot")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &env))

	var metaMap map[string]any
	require.NoError(t, json.Unmarshal(env["meta"], &metaMap))
	metaMap["checksum"] = "0000000000000000000000000000000000000000000000000000000000000000"
	newMetaBytes, _ := json.Marshal(metaMap)
	env["meta"] = newMetaBytes
	newData, _ := json.Marshal(env)
	require.NoError(t, os.WriteFile(path, newData, 0o600))

	_, err = m.Get(context.Background(), meta.ID, nil)
	require.Error(t, err)
	var corrupt *orcherrors.CorruptSnapshotError
	assert.ErrorAs(t, err, &corrupt)
}

func TestDeleteRefusesPinnedWithoutForce(t *testing.T) {
	m := New(t.TempDir())
	meta, err := m.Create(context.Background(), samplePayload{}, CreateOptions{RunID: "run-1", Pinned: true})
	require.NoError(t, err)

	err = m.Delete(meta.ID, false)
	assert.Error(t, err)

	require.NoError(t, m.Delete(meta.ID, true))
	_, err = m.Get(context.Background(), meta.ID, nil)
	assert.Error(t, err)
}

func TestPruneKeepsNewestAndRespectsPinned(t *testing.T) {
	m := New(t.TempDir())
	ctx := context.Background()

	pinned, err := m.Create(ctx, samplePayload{Step: 0}, CreateOptions{RunID: "run-1", Pinned: true})
	require.NoError(t, err)

	var ids []string
	for i := 1; i <= 4; i++ {
		meta, err := m.Create(ctx, samplePayload{Step: i}, CreateOptions{RunID: "run-1"})
		require.NoError(t, err)
		ids = append(ids, meta.ID)
	}

	deleted, err := m.Prune("run-1", 2, true)
	require.NoError(t, err)
	assert.Len(t, deleted, 2)

	remaining, err := m.List("run-1")
	require.NoError(t, err)
	var remainingIDs []string
	for _, r := range remaining {
		remainingIDs = append(remainingIDs, r.ID)
	}
	assert.Contains(t, remainingIDs, pinned.ID, "pinned snapshot must survive pruning")
}
