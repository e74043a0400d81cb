package contextpacket

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRendersFixedSectionOrder(t *testing.T) {
	p, err := Build(Input{
		Goal:             "implement the router",
		Constraints:      []string{"no new deps"},
		DefinitionOfDone: []string{"tests pass"},
	})
	require.NoError(t, err)

	order := []string{"GOAL", "CONSTRAINTS", "REFERENCES", "DEFINITION OF DONE", "TRACE"}
	var lastIdx int
	for _, section := range order {
		idx := strings.Index(p.Rendered, section)
		require.GreaterOrEqual(t, idx, 0, "missing section %s", section)
		require.GreaterOrEqual(t, idx, lastIdx)
		lastIdx = idx
	}
}

func TestBuildRejectsEmptyGoal(t *testing.T) {
	_, err := Build(Input{})
	assert.Error(t, err)
}

func TestBuildGeneratesValidTraceparent(t *testing.T) {
	p, err := Build(Input{Goal: "g"})
	require.NoError(t, err)

	traceID, spanID, err := ParseTraceparent(p.TraceParent)
	require.NoError(t, err)
	assert.True(t, traceID.IsValid())
	assert.True(t, spanID.IsValid())
}

func TestBuildRenderedBodyIsStableForIdenticalContent(t *testing.T) {
	in := Input{Goal: "g", Constraints: []string{"c"}}
	p1, err := Build(in)
	require.NoError(t, err)
	// Trace ids differ per build, so strip TRACE before comparing.
	body1 := strings.Split(p1.Rendered, "TRACE")[0]

	p2, err := Build(in)
	require.NoError(t, err)
	body2 := strings.Split(p2.Rendered, "TRACE")[0]

	assert.Equal(t, body1, body2)
	assert.NotEmpty(t, p1.ContentHash)
}

func TestBuildRejectsPathEscapingWorkspaceRoot(t *testing.T) {
	root := t.TempDir()
	_, err := Build(Input{
		Goal:          "g",
		WorkspaceRoot: root,
		References:    []Reference{{Path: "../../etc/passwd"}},
	})
	assert.Error(t, err)
}

func TestBuildRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	secret := filepath.Join(outside, "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("x"), 0o600))
	require.NoError(t, os.Symlink(secret, filepath.Join(root, "link.txt")))

	_, err := Build(Input{
		Goal:          "g",
		WorkspaceRoot: root,
		References:    []Reference{{Path: "link.txt"}},
	})
	assert.Error(t, err)
}

func TestBuildAcceptsReferenceInsideRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "file.go"), []byte("package x"), 0o600))

	p, err := Build(Input{
		Goal:          "g",
		WorkspaceRoot: root,
		References:    []Reference{{Path: "file.go"}},
	})
	require.NoError(t, err)
	assert.Contains(t, p.Rendered, "file.go")
}
