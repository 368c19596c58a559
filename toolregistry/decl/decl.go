// Package decl executes the declarative tool shape of spec.md §6: shell,
// http, python (reference only — actual interpreter is an external
// collaborator, out of scope per spec.md §1), and composite tools whose
// steps chain through the restricted template engine. Shell execution
// follows os/exec the way the teacher's feature packages shell out to
// external processes (no third-party process-execution library appears
// anywhere in the pack, so this is the one ambient concern left on the
// standard library — documented in DESIGN.md).
package decl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/toolregistry"
)

// Type selects a declarative tool's execution strategy.
type Type string

const (
	TypeShell     Type = "shell"
	TypeHTTP      Type = "http"
	TypePython    Type = "python"
	TypeComposite Type = "composite"
)

// Spec is the declarative tool shape of spec.md §6 "Declarative tool
// shape".
type Spec struct {
	ToolID      string
	Type        Type
	InputSchema map[string]any

	// Shell
	Command string
	Timeout time.Duration

	// HTTP
	Method     string
	URL        string
	Headers    map[string]string
	Body       string
	ResponseJQ string

	// Python (reference shape only; invocation is an external
	// collaborator per spec.md §1)
	ImportPath string

	// Composite
	Steps []Step
}

// Step is one stage of a composite tool. Condition, when non-empty, is
// rendered and skipped unless it renders to a truthy ("true", "1",
// non-empty non-"false") string.
type Step struct {
	Tool      string
	Condition string
	Args      map[string]string
}

// Executor runs declarative Specs, rendering their templated fields
// through engine before execution.
type Executor struct {
	engine   *template.Engine
	registry *toolregistry.Registry
	client   *http.Client
}

// NewExecutor builds an Executor. client defaults to http.DefaultClient
// when nil.
func NewExecutor(engine *template.Engine, registry *toolregistry.Registry, client *http.Client) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{engine: engine, registry: registry, client: client}
}

// Execute dispatches spec by its Type.
func (e *Executor) Execute(ctx context.Context, spec Spec, vars template.Vars) (toolregistry.Result, error) {
	switch spec.Type {
	case TypeShell:
		return e.executeShell(ctx, spec, vars)
	case TypeHTTP:
		return e.executeHTTP(ctx, spec, vars)
	case TypeComposite:
		return e.executeComposite(ctx, spec, vars)
	case TypePython:
		return toolregistry.Result{}, fmt.Errorf("decl: python tool %q requires an external interpreter collaborator", spec.ToolID)
	default:
		return toolregistry.Result{}, fmt.Errorf("decl: unknown tool type %q", spec.Type)
	}
}

func (e *Executor) executeShell(ctx context.Context, spec Spec, vars template.Vars) (toolregistry.Result, error) {
	rendered, err := e.engine.Render(spec.Command, vars)
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("decl: render shell command for %q: %w", spec.ToolID, err)
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", rendered)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return toolregistry.Result{}, fmt.Errorf("decl: shell tool %q timed out after %s", spec.ToolID, timeout)
		}
		return toolregistry.Result{}, fmt.Errorf("decl: shell tool %q failed: %w: %s", spec.ToolID, err, stderr.String())
	}
	return toolregistry.Result{Value: strings.TrimRight(stdout.String(), "\n")}, nil
}

func (e *Executor) executeHTTP(ctx context.Context, spec Spec, vars template.Vars) (toolregistry.Result, error) {
	url, err := e.engine.Render(spec.URL, vars)
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("decl: render http url for %q: %w", spec.ToolID, err)
	}
	var body io.Reader
	if spec.Body != "" {
		rendered, err := e.engine.Render(spec.Body, vars)
		if err != nil {
			return toolregistry.Result{}, fmt.Errorf("decl: render http body for %q: %w", spec.ToolID, err)
		}
		body = strings.NewReader(rendered)
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("decl: build http request for %q: %w", spec.ToolID, err)
	}
	for k, v := range spec.Headers {
		rendered, err := e.engine.Render(v, vars)
		if err != nil {
			return toolregistry.Result{}, fmt.Errorf("decl: render header %q for %q: %w", k, spec.ToolID, err)
		}
		req.Header.Set(k, rendered)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("decl: http tool %q request: %w", spec.ToolID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return toolregistry.Result{}, fmt.Errorf("decl: http tool %q read body: %w", spec.ToolID, err)
	}
	if resp.StatusCode >= 400 {
		return toolregistry.Result{}, fmt.Errorf("decl: http tool %q returned status %d: %s", spec.ToolID, resp.StatusCode, raw)
	}

	var parsed any = string(raw)
	var decoded any
	if json.Unmarshal(raw, &decoded) == nil {
		parsed = decoded
	}
	if spec.ResponseJQ != "" {
		extracted, err := extractPath(parsed, spec.ResponseJQ)
		if err != nil {
			return toolregistry.Result{}, fmt.Errorf("decl: http tool %q response_jq %q: %w", spec.ToolID, spec.ResponseJQ, err)
		}
		parsed = extracted
	}
	return toolregistry.Result{Value: parsed}, nil
}

func (e *Executor) executeComposite(ctx context.Context, spec Spec, vars template.Vars) (toolregistry.Result, error) {
	results := make(map[string]any, len(spec.Steps))
	var last toolregistry.Result
	for i, step := range spec.Steps {
		if step.Condition != "" {
			rendered, err := e.engine.Render(step.Condition, vars)
			if err != nil {
				return toolregistry.Result{}, fmt.Errorf("decl: composite %q step %d condition: %w", spec.ToolID, i, err)
			}
			if !truthy(rendered) {
				continue
			}
		}
		desc, ok := e.registry.Lookup(step.Tool)
		if !ok {
			return toolregistry.Result{}, fmt.Errorf("decl: composite %q step %d: unknown tool %q", spec.ToolID, i, step.Tool)
		}
		args, err := e.engine.RenderMap(step.Args, withStepResults(vars, results))
		if err != nil {
			return toolregistry.Result{}, fmt.Errorf("decl: composite %q step %d args: %w", spec.ToolID, i, err)
		}
		argsAny := make(map[string]any, len(args))
		for k, v := range args {
			argsAny[k] = v
		}
		if err := desc.Validate(argsAny); err != nil {
			return toolregistry.Result{}, err
		}
		res, err := desc.Handler(ctx, argsAny)
		if err != nil {
			return toolregistry.Result{}, fmt.Errorf("decl: composite %q step %d (%s): %w", spec.ToolID, i, step.Tool, err)
		}
		results[step.Tool] = res.Value
		last = res
	}
	return last, nil
}

// withStepResults overlays prior composite step results onto vars.Outputs
// under the key "steps", so later templates can reference
// "{{.Outputs.steps.toolname}}" (spec.md §6: "steps[k].result available in
// subsequent templates").
func withStepResults(vars template.Vars, results map[string]any) template.Vars {
	outputs := make(map[string]any, len(vars.Outputs)+1)
	for k, v := range vars.Outputs {
		outputs[k] = v
	}
	outputs["steps"] = results
	vars.Outputs = outputs
	return vars
}

func truthy(s string) bool {
	s = strings.TrimSpace(strings.ToLower(s))
	return s != "" && s != "false" && s != "0"
}

// extractPath resolves a minimal dotted/bracket path against a decoded
// JSON value, e.g. "data.items[0].id". It is not a full jq implementation:
// no example repo in the pack depends on one, so response_jq is satisfied
// here with a small standard-library path walker instead (see DESIGN.md).
func extractPath(v any, path string) (any, error) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return v, nil
	}
	cur := v
	for _, segment := range strings.Split(path, ".") {
		name, index, hasIndex := splitIndex(segment)
		if name != "" {
			m, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("cannot index field %q into %T", name, cur)
			}
			cur, ok = m[name]
			if !ok {
				return nil, fmt.Errorf("field %q not found", name)
			}
		}
		if hasIndex {
			arr, ok := cur.([]any)
			if !ok || index < 0 || index >= len(arr) {
				return nil, fmt.Errorf("index %d out of range", index)
			}
			cur = arr[index]
		}
	}
	return cur, nil
}

func splitIndex(segment string) (name string, index int, hasIndex bool) {
	open := strings.IndexByte(segment, '[')
	if open < 0 {
		return segment, 0, false
	}
	name = segment[:open]
	closeIdx := strings.IndexByte(segment, ']')
	if closeIdx < open {
		return name, 0, false
	}
	idx := 0
	for _, c := range segment[open+1 : closeIdx] {
		if c < '0' || c > '9' {
			return name, 0, false
		}
		idx = idx*10 + int(c-'0')
	}
	return name, idx, true
}
