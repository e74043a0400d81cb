package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectFindsKnownAlias(t *testing.T) {
	script := writeScript(t, `true`)
	a := New(func(agent string) (string, error) {
		if agent == "claude-code" {
			return script, nil
		}
		return "", assertNotFound{}
	})

	det := a.Detect("claude")
	assert.True(t, det.Found)
	assert.Equal(t, "claude-code", det.Command)
	assert.Equal(t, script, det.Path)
}

func TestDetectReportsMissing(t *testing.T) {
	a := New(func(agent string) (string, error) { return "", assertNotFound{} })
	det := a.Detect("codex")
	assert.False(t, det.Found)
}

func TestDetectVersionParsesSemver(t *testing.T) {
	script := writeScript(t, `echo 'claude version 1.2.3'`)
	a := adapterFor(script)
	det := a.Detect("claude")
	require.True(t, det.Found)

	version, err := a.DetectVersion(context.Background(), det)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", version)
}

func TestDetectVersionFallsBackToRawOutput(t *testing.T) {
	script := writeScript(t, `echo 'dev-build'`)
	a := adapterFor(script)
	det := a.Detect("claude")
	require.True(t, det.Found)

	version, err := a.DetectVersion(context.Background(), det)
	require.NoError(t, err)
	assert.Equal(t, "dev-build", version)
}

type assertNotFound struct{}

func (assertNotFound) Error() string { return "not found" }
