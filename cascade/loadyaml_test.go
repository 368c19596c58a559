package cascade

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadYAMLDecodesPhases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("id: demo\nphases:\n  - name: greet\n    kind: deterministic\n"), 0o644))

	c, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.ID)
	require.Len(t, c.Phases, 1)
	assert.Equal(t, "greet", c.Phases[0].Name)
}

func TestLoadYAMLRequiresID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("phases: []\n"), 0o644))

	_, err := LoadYAML(path)
	assert.Error(t, err)
}

func TestLoadYAMLMissingFileErrors(t *testing.T) {
	_, err := LoadYAML("/nonexistent/cascade.yaml")
	assert.Error(t, err)
}

