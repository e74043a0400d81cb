package coordinator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDelegationTemplateDefault(t *testing.T) {
	tmpl, err := LoadDelegationTemplate("")
	require.NoError(t, err)

	out, err := RenderDelegation(tmpl, DelegationVars{TaskID: "t1", Agent: "developer", Goal: "ship it", Context: "ctx"})
	require.NoError(t, err)
	assert.Contains(t, out, "developer")
	assert.Contains(t, out, "ship it")
}

func TestLoadDelegationTemplateFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmpl.txt")
	require.NoError(t, os.WriteFile(path, []byte("custom: {{.Goal}}"), 0o600))

	tmpl, err := LoadDelegationTemplate(path)
	require.NoError(t, err)
	out, err := RenderDelegation(tmpl, DelegationVars{Goal: "test goal"})
	require.NoError(t, err)
	assert.Equal(t, "custom: test goal", out)
}
