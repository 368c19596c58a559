package trace_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/trace"
)

func TestContentHashStableForEquivalentContent(t *testing.T) {
	a := trace.ContentHash("assistant", "hello   world")
	b := trace.ContentHash("assistant", "hello world")
	require.Equal(t, a, b, "normalized whitespace must hash identically")
	require.Len(t, a, 16)
}

func TestContentHashDiffersByRole(t *testing.T) {
	a := trace.ContentHash("assistant", "same content")
	b := trace.ContentHash("user", "same content")
	require.NotEqual(t, a, b)
}

func TestSoundingSessionIDNamespacing(t *testing.T) {
	require.Equal(t, "S_sounding2", trace.SoundingSessionID("S", 2))
	require.Equal(t, "S_reforge1_3", trace.ReforgeSessionID("S", 1, 3))
}

func TestNewIDUnique(t *testing.T) {
	a, b := trace.NewID(), trace.NewID()
	require.NotEqual(t, a, b)
}
