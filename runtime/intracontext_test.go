package runtime

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/modelclient"
)

func TestResolveIntraContextDefaultsWhenNil(t *testing.T) {
	cfg := resolveIntraContext(nil)
	assert.Equal(t, defaultIntraContext, cfg)
}

func TestResolveIntraContextFillsZeroFields(t *testing.T) {
	cfg := resolveIntraContext(&cascade.IntraContextConfig{WindowTurns: 10})
	assert.Equal(t, 10, cfg.WindowTurns)
	assert.Equal(t, defaultIntraContext.TruncateAt, cfg.TruncateAt)
	assert.Equal(t, defaultIntraContext.LoopRetryDepth, cfg.LoopRetryDepth)
}

func TestContainsErrorMarkerCaseInsensitive(t *testing.T) {
	assert.True(t, containsErrorMarker("Traceback (most recent call last)"))
	assert.True(t, containsErrorMarker("an EXCEPTION occurred"))
	assert.False(t, containsErrorMarker("all good here"))
}

func TestCompressTurnsWithinWindowUnchanged(t *testing.T) {
	turns := []modelclient.Message{
		{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: "a"}}},
	}
	cfg := cascade.IntraContextConfig{WindowTurns: 6, TruncateAt: 2000, LoopRetryDepth: 2}
	out := compressTurns(turns, cfg)
	require.Len(t, out, 1)
	assert.Equal(t, turns[0], out[0])
}

func TestCompressTurnsPreservesErrorMarkers(t *testing.T) {
	turns := make([]modelclient.Message, 0, 5)
	for i := 0; i < 5; i++ {
		turns = append(turns, modelclient.Message{
			Role: modelclient.RoleAssistant, Turn: i,
			Parts: []modelclient.Part{modelclient.TextPart{Text: "plain output number " + strings.Repeat("x", 5)}},
		})
	}
	// turn 2 falls inside the compressed prefix (window is the trailing 1
	// turn) but carries an error marker and must survive untouched.
	turns[2] = modelclient.Message{
		Role: modelclient.RoleAssistant, Turn: 2,
		Parts: []modelclient.Part{modelclient.TextPart{Text: "a traceback happened here"}},
	}
	cfg := cascade.IntraContextConfig{WindowTurns: 1, TruncateAt: 2000, LoopRetryDepth: 2}
	out := compressTurns(turns, cfg)
	require.Len(t, out, 5)
	assert.Equal(t, "a traceback happened here", out[2].Text())
}

func TestCompressTurnsTruncatesOldPlainText(t *testing.T) {
	long := strings.Repeat("a", 50)
	turns := []modelclient.Message{
		{Role: modelclient.RoleAssistant, Turn: 0, Parts: []modelclient.Part{modelclient.TextPart{Text: long}}},
		{Role: modelclient.RoleAssistant, Turn: 1, Parts: []modelclient.Part{modelclient.TextPart{Text: "recent"}}},
	}
	cfg := cascade.IntraContextConfig{WindowTurns: 1, TruncateAt: 10, LoopRetryDepth: 2}
	out := compressTurns(turns, cfg)
	require.Len(t, out, 2)
	assert.Equal(t, "aaaaaaaaaa…", out[0].Text())
	assert.Equal(t, "recent", out[1].Text())
}

func TestCompressTurnsMasksToolResults(t *testing.T) {
	turns := []modelclient.Message{
		{Role: modelclient.RoleTool, Turn: 0, Parts: []modelclient.Part{modelclient.ToolResultPart{ToolUseID: "t1", Content: "big blob"}}},
		{Role: modelclient.RoleAssistant, Turn: 1, Parts: []modelclient.Part{modelclient.TextPart{Text: "recent"}}},
	}
	cfg := cascade.IntraContextConfig{WindowTurns: 1, TruncateAt: 2000, LoopRetryDepth: 2}
	out := compressTurns(turns, cfg)
	require.Len(t, out, 2)
	masked, ok := out[0].Parts[0].(modelclient.ToolResultPart)
	require.True(t, ok)
	assert.Contains(t, masked.Content, "tool_use_id=t1")
	assert.Contains(t, masked.Content, "masked")
}

func TestCompressTurnsCollapsesToolCallsToNames(t *testing.T) {
	turns := []modelclient.Message{
		{Role: modelclient.RoleAssistant, Turn: 0, Parts: []modelclient.Part{modelclient.ToolUsePart{ID: "1", Name: "search"}}},
		{Role: modelclient.RoleAssistant, Turn: 1, Parts: []modelclient.Part{modelclient.TextPart{Text: "recent"}}},
	}
	cfg := cascade.IntraContextConfig{WindowTurns: 1, TruncateAt: 2000, LoopRetryDepth: 2}
	out := compressTurns(turns, cfg)
	require.Len(t, out, 2)
	assert.Equal(t, "[called tools: search]", out[0].Text())
}

func TestBuildRetryContextKeepsLastLAttempts(t *testing.T) {
	attempts := []retryAttempt{
		{Output: "first", Reason: "too short"},
		{Output: "second", Reason: "missing field"},
		{Output: "third", Reason: "wrong format"},
	}
	msgs := buildRetryContext("system", "do the task", attempts, 2, "try again")
	// system + task + 2*(assistant+user) for the last two attempts + final retry instruction
	require.Len(t, msgs, 2+4+1)
	assert.Equal(t, "second", msgs[2].Text())
	assert.Contains(t, msgs[3].Text(), "missing field")
	assert.Equal(t, "try again", msgs[len(msgs)-1].Text())
}
