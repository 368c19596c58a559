package decl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/toolregistry"
)

func TestExecuteShell(t *testing.T) {
	ex := NewExecutor(template.New(), toolregistry.New(), nil)
	res, err := ex.Execute(context.Background(), Spec{
		ToolID: "echo", Type: TypeShell, Command: "echo -n hello-{{.Input}}",
	}, template.Vars{Input: "world"})
	require.NoError(t, err)
	assert.Equal(t, "hello-world", res.Value)
}

func TestExecuteShellTimeout(t *testing.T) {
	ex := NewExecutor(template.New(), toolregistry.New(), nil)
	_, err := ex.Execute(context.Background(), Spec{
		ToolID: "slow", Type: TypeShell, Command: "sleep 2", Timeout: 10_000_000, // 10ms
	}, template.Vars{})
	assert.Error(t, err)
}

func TestExecuteHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"items":[{"id":"abc"}]}}`))
	}))
	defer srv.Close()

	ex := NewExecutor(template.New(), toolregistry.New(), srv.Client())
	res, err := ex.Execute(context.Background(), Spec{
		ToolID: "fetch", Type: TypeHTTP, Method: http.MethodGet, URL: srv.URL, ResponseJQ: "data.items[0].id",
	}, template.Vars{})
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Value)
}

func TestExecuteHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ex := NewExecutor(template.New(), toolregistry.New(), srv.Client())
	_, err := ex.Execute(context.Background(), Spec{
		ToolID: "fetch", Type: TypeHTTP, URL: srv.URL,
	}, template.Vars{})
	assert.Error(t, err)
}

func TestExecuteComposite(t *testing.T) {
	reg := toolregistry.New()
	require.NoError(t, reg.Register(toolregistry.Descriptor{
		Name: "step_one",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			return toolregistry.Result{Value: "one-result"}, nil
		},
	}))
	require.NoError(t, reg.Register(toolregistry.Descriptor{
		Name: "step_two",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			return toolregistry.Result{Value: args["prior"]}, nil
		},
	}))

	ex := NewExecutor(template.New(), reg, nil)
	res, err := ex.Execute(context.Background(), Spec{
		ToolID: "pipeline", Type: TypeComposite,
		Steps: []Step{
			{Tool: "step_one"},
			{Tool: "step_two", Args: map[string]string{"prior": "{{.Outputs.steps.step_one}}"}},
		},
	}, template.Vars{})
	require.NoError(t, err)
	assert.Equal(t, "one-result", res.Value)
}

func TestExecuteCompositeSkipsFalseCondition(t *testing.T) {
	reg := toolregistry.New()
	called := false
	require.NoError(t, reg.Register(toolregistry.Descriptor{
		Name: "maybe",
		Handler: func(ctx context.Context, args map[string]any) (toolregistry.Result, error) {
			called = true
			return toolregistry.Result{}, nil
		},
	}))

	ex := NewExecutor(template.New(), reg, nil)
	_, err := ex.Execute(context.Background(), Spec{
		ToolID: "cond", Type: TypeComposite,
		Steps: []Step{{Tool: "maybe", Condition: "false"}},
	}, template.Vars{})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestExtractPath(t *testing.T) {
	v := map[string]any{"a": map[string]any{"b": []any{map[string]any{"c": 42.0}}}}
	got, err := extractPath(v, "a.b[0].c")
	require.NoError(t, err)
	assert.Equal(t, 42.0, got)
}
