// Package toolregistry maps a tool name to an invocable descriptor: an
// in-process Go function, a sub-cascade reference, or a declarative spec
// (shell/http/python-ref/composite), following the registry/dispatch shape
// of the teacher's runtime/agent/tools package (a name-keyed map guarded by
// a mutex, looked up once per tool call) while dropping its Pulse-backed
// distributed provider loop, which belongs to a different deployment model
// than a single-process cascade runner.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler is an in-process tool implementation (spec.md §6 "Tool
// invocation contract"). args have already been validated against Schema.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// Result is what a tool handler returns. Either Value is set (a plain
// JSON-compatible value) or one of the reserved fields is, per spec.md §6:
// "(b) a dict with optional reserved keys: content, images, _route,
// status".
type Result struct {
	Value  any
	Content any
	Images  []string
	Route   string
	Status  string
}

// Descriptor registers one callable tool.
type Descriptor struct {
	Name        string
	Description string
	// Schema validates handler arguments; nil means no validation.
	Schema *jsonschema.Schema
	// ContextParams lists registered context parameter names (prefixed
	// "_") this handler declares, e.g. "_session_id", "_phase_name". The
	// runtime injects matching values automatically when not already
	// present in the call arguments (spec.md §6).
	ContextParams []string

	Handler Handler
	// SubCascade, when set instead of Handler, names a cascade to invoke
	// as this tool (spec.md §4.6 "a registered function, a sub-cascade").
	SubCascade string
}

// Registry is a name-keyed map of tool descriptors, safe for concurrent
// lookup and registration.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Descriptor
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Descriptor)}
}

// Register adds or replaces a tool descriptor.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("toolregistry: tool name is required")
	}
	if d.Handler == nil && d.SubCascade == "" {
		return fmt.Errorf("toolregistry: tool %q needs a Handler or SubCascade", d.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[d.Name] = d
	return nil
}

// Lookup returns the descriptor for name, or (Descriptor{}, false).
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.tools[name]
	return d, ok
}

// Names returns every registered tool name, used to resolve the phase
// `tools: "manifest"` shorthand (spec.md §3 "tools (names or \"manifest\")").
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Resolve expands a phase's declared tool list: an explicit name list
// passes through, while the literal "manifest" expands to every
// registered tool name.
func (r *Registry) Resolve(names []string) []string {
	if len(names) == 1 && names[0] == "manifest" {
		return r.Names()
	}
	return names
}

// Validate checks args against d.Schema, a no-op when no schema is set.
func (d Descriptor) Validate(args map[string]any) error {
	if d.Schema == nil {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolregistry: marshal args for %q: %w", d.Name, err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("toolregistry: unmarshal args for %q: %w", d.Name, err)
	}
	if err := d.Schema.Validate(v); err != nil {
		return fmt.Errorf("toolregistry: %s: invalid arguments: %w", d.Name, err)
	}
	return nil
}

// InjectContextParams fills any declared "_"-prefixed parameter missing
// from args with the corresponding value from ctxParams, per spec.md §6:
// "Registered context parameters (names prefixed _) are injected if
// declared in the handler signature."
func (d Descriptor) InjectContextParams(args map[string]any, ctxParams map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(d.ContextParams))
	for k, v := range args {
		out[k] = v
	}
	for _, name := range d.ContextParams {
		if _, present := out[name]; present {
			continue
		}
		if v, ok := ctxParams[name]; ok {
			out[name] = v
		}
	}
	return out
}

// CompileSchema parses a JSON-Schema document into a *jsonschema.Schema for
// use as a Descriptor.Schema.
func CompileSchema(name string, schemaDoc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schemaDoc)
	if err != nil {
		return nil, fmt.Errorf("toolregistry: marshal schema %q: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	unmarshalled, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("toolregistry: unmarshal schema %q: %w", name, err)
	}
	resource := "mem://" + name + ".json"
	if err := compiler.AddResource(resource, unmarshalled); err != nil {
		return nil, fmt.Errorf("toolregistry: add resource %q: %w", name, err)
	}
	schema, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("toolregistry: compile schema %q: %w", name, err)
	}
	return schema, nil
}
