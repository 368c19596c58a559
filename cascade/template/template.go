// Package template renders phase instructions, turn prompts, and
// deterministic-phase input maps through a restricted subset of
// text/template, following the rendering style of the teacher's
// runtime/agent/runtime/hints package (compiled text/template values keyed
// by name, rendered against a small struct) while rejecting the operations
// spec.md §4.3 calls out as forbidden: filesystem access and arbitrary
// expression evaluation have no corresponding template funcs, so they
// simply cannot be named from template source.
package template

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"text/template"
)

// Vars is the variable set made available to a rendered template, per
// spec.md §4.3: "variables input, state, outputs, lineage, history, turn,
// max_turns, and sounding-specific variables when applicable".
type Vars struct {
	Input    any
	State    map[string]any
	Outputs  map[string]any
	Lineage  []string
	History  []any
	Turn     int
	MaxTurns int

	// Sounding-specific variables, populated only when rendering inside a
	// sounding candidate or reforge step.
	SoundingIndex int
	ReforgeStep   int
	Winner        any
}

// forbiddenPattern matches template actions naming an operation this
// engine does not expose: the standard library's text/template has no
// built-in filesystem or exec funcs, so forbidding is really about
// rejecting source that names such operations outright. Matching here is a
// conservative source-level gate over the whole template text in addition
// to the safe-by-construction FuncMap below.
var forbiddenPattern = regexp.MustCompile(`(?i)\b(readfile|writefile|exec|os\.|syscall|eval)\b`)

// Engine compiles and renders templates against Vars with a fixed,
// side-effect-free FuncMap. It registers no func capable of filesystem or
// process access (spec.md §4.3 "Forbidden operations"); text/template's
// builtin "call" remains available, and Vars carries no function values
// for it to invoke.
type Engine struct {
	funcs template.FuncMap
}

// New builds an Engine with the default safe FuncMap.
func New() *Engine {
	return &Engine{funcs: defaultFuncs()}
}

func defaultFuncs() template.FuncMap {
	return template.FuncMap{
		"upper":   strings.ToUpper,
		"lower":   strings.ToLower,
		"trim":    strings.TrimSpace,
		"join":    strings.Join,
		"default": func(def, v string) string {
			if v == "" {
				return def
			}
			return v
		},
	}
}

// Render parses src and executes it against vars, rejecting source that
// names a forbidden operation before compilation.
func (e *Engine) Render(src string, vars Vars) (string, error) {
	if forbiddenPattern.MatchString(src) {
		return "", fmt.Errorf("template: forbidden operation referenced in source")
	}
	tmpl, err := template.New("cascade").Option("missingkey=error").Funcs(e.funcs).Parse(src)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("template: execute: %w", err)
	}
	return buf.String(), nil
}

// RenderMap renders every value in m against vars, used for a
// deterministic phase's `inputs` map (spec.md §4.4 step 1). It fails
// closed: a rendering error for any key aborts the whole map.
func (e *Engine) RenderMap(m map[string]string, vars Vars) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, src := range m {
		v, err := e.Render(src, vars)
		if err != nil {
			return nil, fmt.Errorf("template: render %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

// AcceptanceFooter renders the "acceptance criterion" footer appended to
// instructions when loop_until is configured and not silent (spec.md
// §4.3).
func AcceptanceFooter(reason string) string {
	return "\n\nAcceptance criterion: " + reason + "\nContinue iterating until this criterion is satisfied or max_turns is reached."
}
