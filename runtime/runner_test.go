package runtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
)

func TestRunSinglePhaseCascadeTerminatesOnZeroHandoffs(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("done")
	r := newTestRunner(t, deps)

	c := &cascade.Cascade{ID: "c", Phases: []cascade.Phase{llmPhase("only", "go", 1)}}
	result, err := r.Run(context.Background(), c, map[string]any{"k": "v"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "done", result.Output)
	assert.Equal(t, []string{"only"}, result.Lineage)
	assert.NotEmpty(t, result.SessionID)
}

func TestRunMultiPhaseCascadeFollowsSingleHandoff(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("ok")
	r := newTestRunner(t, deps)

	first := llmPhase("first", "go", 1)
	first.Handoffs = []string{"second"}
	second := llmPhase("second", "go", 1)

	c := &cascade.Cascade{ID: "c", Phases: []cascade.Phase{first, second}}
	result, err := r.Run(context.Background(), c, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, result.Lineage)
}

func TestRunEmptyCascadeReturnsEmptyResult(t *testing.T) {
	deps := newTestDeps(t)
	r := newTestRunner(t, deps)

	c := &cascade.Cascade{ID: "c"}
	result, err := r.Run(context.Background(), c, nil, Options{})
	require.NoError(t, err)
	assert.Empty(t, result.Lineage)
}

func TestRunMissingPhaseErrors(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("x")
	r := newTestRunner(t, deps)

	first := llmPhase("first", "go", 1)
	first.Handoffs = []string{"ghost"}
	c := &cascade.Cascade{ID: "c", Phases: []cascade.Phase{first}}

	_, err := r.Run(context.Background(), c, nil, Options{})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindConfig, rerr.Kind)
}

func TestRunAmbiguousRoutingErrors(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("hi")
	r := newTestRunner(t, deps)

	first := llmPhase("first", "go", 1)
	first.Handoffs = []string{"a", "b"}
	c := &cascade.Cascade{ID: "c", Phases: []cascade.Phase{
		first, llmPhase("a", "go", 1), llmPhase("b", "go", 1),
	}}

	_, err := r.Run(context.Background(), c, nil, Options{})
	require.Error(t, err)
	var rerr *Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, KindRouting, rerr.Kind)
}

func TestRunUsesSessionIDOverride(t *testing.T) {
	deps := newTestDeps(t)
	deps.Model = echoModel("hi")
	r := newTestRunner(t, deps)

	c := &cascade.Cascade{ID: "c", Phases: []cascade.Phase{llmPhase("only", "go", 1)}}
	result, err := r.Run(context.Background(), c, nil, Options{SessionID: "fixed-id"})
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", result.SessionID)
}
