package cascade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCloneIsolatesState(t *testing.T) {
	parent := NewSession("S", "", 0, nil)
	parent.State["k"] = "v"
	parent.Outputs["phase1"] = "out1"
	parent.Lineage = append(parent.Lineage, "phase1")

	branch := parent.Clone("S_sounding0")
	branch.State["k"] = "mutated"
	branch.Lineage = append(branch.Lineage, "phase2")

	assert.Equal(t, "v", parent.State["k"], "parent state must not see branch mutation")
	assert.Equal(t, []string{"phase1"}, parent.Lineage)
	assert.Equal(t, "S", branch.ParentSessionID)
	assert.Equal(t, 1, branch.Depth)
}

func TestSessionMergeFoldsWinnerBack(t *testing.T) {
	parent := NewSession("S", "", 0, nil)
	parent.State["a"] = 1

	branch := parent.Clone("S_sounding0")
	branch.State["b"] = 2
	branch.Outputs["p"] = "winner-output"
	branch.Lineage = []string{"p"}

	parent.Merge(branch)

	assert.Equal(t, 1, parent.State["a"])
	assert.Equal(t, 2, parent.State["b"])
	assert.Equal(t, "winner-output", parent.Outputs["p"])
	assert.Equal(t, []string{"p"}, parent.Lineage)
}

func TestMarshalOutput(t *testing.T) {
	raw, err := MarshalOutput(map[string]any{"status": "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
}
