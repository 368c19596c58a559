package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/toolregistry"
)

func childCascade(id string) *cascade.Cascade {
	return &cascade.Cascade{
		ID: id,
		Phases: []cascade.Phase{
			{
				Name: "only",
				Kind: cascade.KindDeterministic,
				Deterministic: &cascade.DeterministicPhase{
					Run: "echo_args",
				},
			},
		},
	}
}

func TestInvokeToolDispatchesHandlerWhenSet(t *testing.T) {
	deps := newTestDeps(t)
	r := newTestRunner(t, deps)
	echo := cascade.NewSession("S", "", 0, nil)

	d := toolregistry.Descriptor{
		Name: "direct",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			return toolregistry.Result{Value: "handled"}, nil
		},
	}

	res, err := r.invokeTool(context.Background(), d, nil, echo)
	require.NoError(t, err)
	assert.Equal(t, "handled", res.Value)
}

func TestInvokeToolSpawnsSubCascadeWhenHandlerNil(t *testing.T) {
	deps := newTestDeps(t)
	require.NoError(t, deps.Tools.Register(toolregistry.Descriptor{
		Name: "echo_args",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			return toolregistry.Result{Value: args["greeting"]}, nil
		},
	}))
	deps.Cascades = map[string]*cascade.Cascade{"child": childCascade("child")}
	deps.MaxSpawnDepth = 5
	r := newTestRunner(t, deps)
	echo := cascade.NewSession("S", "", 1, nil)

	d := toolregistry.Descriptor{Name: "spawn_child", SubCascade: "child"}

	res, err := r.invokeTool(context.Background(), d, map[string]any{"greeting": "hi"}, echo)
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Value)
}

func TestInvokeSubCascadeRejectsUnknownCascade(t *testing.T) {
	deps := newTestDeps(t)
	r := newTestRunner(t, deps)
	echo := cascade.NewSession("S", "", 0, nil)

	_, err := r.invokeSubCascade(context.Background(), "missing", nil, echo)
	assert.Error(t, err)
}

func TestInvokeSubCascadeEnforcesMaxSpawnDepth(t *testing.T) {
	deps := newTestDeps(t)
	deps.Cascades = map[string]*cascade.Cascade{"child": childCascade("child")}
	deps.MaxSpawnDepth = 2
	r := newTestRunner(t, deps)
	echo := cascade.NewSession("S", "", 2, nil)

	_, err := r.invokeSubCascade(context.Background(), "child", nil, echo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max spawn depth")
}

func TestInvokeSubCascadePropagatesChildFailure(t *testing.T) {
	deps := newTestDeps(t)
	boom := errors.New("child tool exploded")
	require.NoError(t, deps.Tools.Register(toolregistry.Descriptor{
		Name: "echo_args",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			return toolregistry.Result{}, boom
		},
	}))
	deps.Cascades = map[string]*cascade.Cascade{"child": childCascade("child")}
	r := newTestRunner(t, deps)
	echo := cascade.NewSession("S", "", 0, nil)

	_, err := r.invokeSubCascade(context.Background(), "child", nil, echo)
	assert.Error(t, err)
}
