package toolregistry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{
		Name: "set_state",
		Handler: func(ctx context.Context, args map[string]any) (Result, error) {
			return Result{Value: args["key"]}, nil
		},
	})
	require.NoError(t, err)

	d, ok := r.Lookup("set_state")
	require.True(t, ok)
	assert.Equal(t, "set_state", d.Name)
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{Handler: func(context.Context, map[string]any) (Result, error) { return Result{}, nil }})
	assert.Error(t, err)
}

func TestRegisterRejectsNoCallable(t *testing.T) {
	r := New()
	err := r.Register(Descriptor{Name: "x"})
	assert.Error(t, err)
}

func TestResolveManifest(t *testing.T) {
	r := New()
	noop := func(context.Context, map[string]any) (Result, error) { return Result{}, nil }
	require.NoError(t, r.Register(Descriptor{Name: "a", Handler: noop}))
	require.NoError(t, r.Register(Descriptor{Name: "b", Handler: noop}))

	names := r.Resolve([]string{"manifest"})
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	explicit := r.Resolve([]string{"a"})
	assert.Equal(t, []string{"a"}, explicit)
}

func TestCompileSchemaAndValidate(t *testing.T) {
	schema, err := CompileSchema("echo", map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text": map[string]any{"type": "string"},
		},
	})
	require.NoError(t, err)

	d := Descriptor{Name: "echo", Schema: schema}
	assert.NoError(t, d.Validate(map[string]any{"text": "hi"}))
	assert.Error(t, d.Validate(map[string]any{}))
}

func TestInjectContextParams(t *testing.T) {
	d := Descriptor{Name: "x", ContextParams: []string{"_session_id"}}
	out := d.InjectContextParams(map[string]any{"foo": "bar"}, map[string]any{"_session_id": "S1"})
	assert.Equal(t, "bar", out["foo"])
	assert.Equal(t, "S1", out["_session_id"])
}

func TestInjectContextParamsDoesNotOverride(t *testing.T) {
	d := Descriptor{Name: "x", ContextParams: []string{"_session_id"}}
	out := d.InjectContextParams(map[string]any{"_session_id": "explicit"}, map[string]any{"_session_id": "S1"})
	assert.Equal(t, "explicit", out["_session_id"])
}
