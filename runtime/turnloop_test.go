package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/trace"
)

func llmPhase(name, instructions string, maxTurns int) cascade.Phase {
	return cascade.Phase{
		Name: name, Kind: cascade.KindLLM,
		LLM: &cascade.LLMPhase{Instructions: instructions, Rules: cascade.TurnRules{MaxTurns: maxTurns}},
	}
}

func TestRunLLMTurnLoopSingleTurnNoTools(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("final answer")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, map[string]any{"task": "greet"})
	phase := llmPhase("greet", "say hi to {{.Input.task}}", 3)

	result, err := r.runLLMTurnLoop(context.Background(), &cascade.Cascade{ID: "c"}, phase, echo, trace.ID("root"), "")
	require.NoError(t, err)
	assert.Equal(t, "final answer", result.Output)
	assert.Equal(t, 10, result.TokensIn)
	assert.Equal(t, 5, result.TokensOut)
}

func TestRunLLMTurnLoopMaxTurnsZeroWithoutLoopUntilReturnsEmpty(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("unused")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "do it", 0)

	result, err := r.runLLMTurnLoop(context.Background(), &cascade.Cascade{ID: "c"}, phase, echo, trace.ID("root"), "")
	require.NoError(t, err)
	assert.Empty(t, result.Output)
}

func TestRunLLMTurnLoopInvokesTextualToolCall(t *testing.T) {
	deps := newTestDeps(t)
	called := false
	require.NoError(t, deps.Tools.Register(toolregistry.Descriptor{
		Name: "lookup",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			called = true
			return toolregistry.Result{Value: "found it"}, nil
		},
	}))
	deps.Model = scriptedModel(
		"```tool_call\n{\"name\":\"lookup\",\"arguments\":{}}\n```",
		"done",
	)
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "use the tool", 3)
	phase.LLM.Tools = []string{"lookup"}

	result, err := r.runLLMTurnLoop(context.Background(), &cascade.Cascade{ID: "c"}, phase, echo, trace.ID("root"), "")
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "done", result.Output)
}

func TestRunLLMTurnLoopRouteToToolSetsHint(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = scriptedModel("```tool_call\n{\"name\":\"route_to\",\"arguments\":{\"target\":\"next\"}}\n```")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "decide where to go", 3)
	phase.Handoffs = []string{"next", "other"}

	result, err := r.runLLMTurnLoop(context.Background(), &cascade.Cascade{ID: "c"}, phase, echo, trace.ID("root"), "")
	require.NoError(t, err)
	assert.True(t, result.Hint.HasRoute)
	assert.Equal(t, "next", result.Hint.Route)
}

func TestRunLLMTurnLoopUnknownToolErrors(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = scriptedModel("```tool_call\n{\"name\":\"ghost\",\"arguments\":{}}\n```")
	r := newTestRunner(t, deps)

	echo := cascade.NewSession("S", "", 0, nil)
	phase := llmPhase("p", "do it", 3)

	_, err := r.runLLMTurnLoop(context.Background(), &cascade.Cascade{ID: "c"}, phase, echo, trace.ID("root"), "")
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindToolUsage, rerr.Kind)
}
