package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBasic(t *testing.T) {
	e := New()
	out, err := e.Render("Turn {{.Turn}} of {{.MaxTurns}}: {{.Input}}", Vars{
		Input: "do the thing", Turn: 1, MaxTurns: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, "Turn 1 of 5: do the thing", out)
}

func TestRenderRejectsForbiddenSource(t *testing.T) {
	e := New()
	_, err := e.Render("{{readfile \"/etc/passwd\"}}", Vars{})
	require.Error(t, err)
}

func TestRenderMissingKeyErrors(t *testing.T) {
	e := New()
	_, err := e.Render("{{.NoSuchField}}", Vars{})
	require.Error(t, err)
}

func TestRenderMap(t *testing.T) {
	e := New()
	out, err := e.RenderMap(map[string]string{
		"greeting": "hello {{.Input}}",
	}, Vars{Input: "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", out["greeting"])
}

func TestRenderMapFailsClosed(t *testing.T) {
	e := New()
	_, err := e.RenderMap(map[string]string{
		"bad": "{{.Missing}}",
	}, Vars{})
	require.Error(t, err)
}

func TestAcceptanceFooter(t *testing.T) {
	footer := AcceptanceFooter("output must be valid JSON")
	assert.Contains(t, footer, "output must be valid JSON")
	assert.Contains(t, footer, "Acceptance criterion")
}
