package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCascadeFileDecodesPhases(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")
	writeFile(t, path, `{
		"ID": "demo",
		"Phases": [
			{"Name": "greet", "Kind": "deterministic"}
		]
	}`)

	c, err := loadCascadeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.ID)
	require.Len(t, c.Phases, 1)
	assert.Equal(t, "greet", c.Phases[0].Name)
}

func TestLoadCascadeFileRequiresID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.json")
	writeFile(t, path, `{"Phases": []}`)

	_, err := loadCascadeFile(path)
	assert.Error(t, err)
}

func TestLoadCascadeFileDecodesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo.yaml")
	writeFile(t, path, "id: demo\nphases:\n  - name: greet\n    kind: deterministic\n")

	c, err := loadCascadeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.ID)
	require.Len(t, c.Phases, 1)
	assert.Equal(t, "greet", c.Phases[0].Name)
}

func TestLoadCascadeFileMissingFileErrors(t *testing.T) {
	_, err := loadCascadeFile("/nonexistent/cascade.json")
	assert.Error(t, err)
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}
