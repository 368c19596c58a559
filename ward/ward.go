// Package ward runs the cascade runtime's validation barriers (spec.md
// §4.6): named validators in blocking/retry/advisory modes, evaluated
// before/after a phase body (WardSet.Pre/Post), plus output_schema checks;
// the Runner does not evaluate WardSet.Turn. It
// follows the same "validator returns a verdict, caller decides what to do
// with it" split the teacher uses for tool error classification in
// runtime/agent/toolerrors, generalized here to arbitrary validators.
package ward

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cascaderun/cascade/cascade"
)

// Verdict is what every validator returns (spec.md §4.6: "must return
// {valid: bool, reason: string}").
type Verdict struct {
	Valid  bool
	Reason string
}

// Validator is a registered validation function; it may be backed by a
// sub-cascade invocation or an inline expression evaluator at the call
// site, but the Runner only ever sees this signature.
type Validator func(ctx context.Context, subject any) (Verdict, error)

// Registry maps ward/validator names to Validator functions.
type Registry struct {
	validators map[string]Validator
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]Validator)}
}

// Register adds or replaces a named validator.
func (r *Registry) Register(name string, v Validator) {
	r.validators[name] = v
}

// Lookup returns the validator registered under name.
func (r *Registry) Lookup(name string) (Validator, bool) {
	v, ok := r.validators[name]
	return v, ok
}

// Outcome is what Run returns: whether the phase may proceed, and whether
// the caller should retry (re-execute the phase body with Reason injected
// as feedback) before giving up.
type Outcome struct {
	Verdict      Verdict
	Mode         cascade.WardMode
	ShouldRetry  bool
	Exhausted    bool
	AttemptsUsed int
}

// Run evaluates ward against subject using the validator registered under
// ward.Validator, tracking attempts against ward.MaxAttempts for retry-mode
// wards (spec.md §4.6 "Semantics").
func Run(ctx context.Context, registry *Registry, w cascade.Ward, subject any, attemptsUsed int) (Outcome, error) {
	v, ok := registry.Lookup(w.Validator)
	if !ok {
		return Outcome{}, fmt.Errorf("ward: unknown validator %q", w.Validator)
	}
	verdict, err := v(ctx, subject)
	if err != nil {
		return Outcome{}, fmt.Errorf("ward: validator %q: %w", w.Validator, err)
	}
	out := Outcome{Verdict: verdict, Mode: w.Mode, AttemptsUsed: attemptsUsed}
	if verdict.Valid {
		return out, nil
	}
	switch w.Mode {
	case cascade.WardAdvisory:
		// log and continue: caller proceeds regardless of Valid.
		return out, nil
	case cascade.WardRetry:
		maxAttempts := w.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if attemptsUsed+1 < maxAttempts {
			out.ShouldRetry = true
			out.AttemptsUsed = attemptsUsed + 1
			return out, nil
		}
		out.Exhausted = true
		out.Mode = cascade.WardBlocking
		return out, nil
	default: // WardBlocking
		return out, nil
	}
}

// RunSet evaluates every ward in wards in order against subject, stopping
// at the first ward that requires blocking or retry (spec.md §4.6
// "Placement": wards are evaluated as an ordered list).
func RunSet(ctx context.Context, registry *Registry, wards []cascade.Ward, subject any, attempts map[string]int) (Outcome, error) {
	for _, w := range wards {
		outcome, err := Run(ctx, registry, w, subject, attempts[w.Name])
		if err != nil {
			return Outcome{}, err
		}
		attempts[w.Name] = outcome.AttemptsUsed
		if !outcome.Verdict.Valid && w.Mode != cascade.WardAdvisory {
			return outcome, nil
		}
	}
	return Outcome{Verdict: Verdict{Valid: true}}, nil
}

// ValidateOutputSchema checks output against schema, behaving like a retry
// ward bounded by maxAttempts (spec.md §4.6 "output_schema").
func ValidateOutputSchema(schema *jsonschema.Schema, output any, attemptsUsed, maxAttempts int) (Outcome, error) {
	raw, err := json.Marshal(output)
	if err != nil {
		return Outcome{}, fmt.Errorf("ward: marshal output for schema check: %w", err)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return Outcome{}, fmt.Errorf("ward: unmarshal output for schema check: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		if maxAttempts <= 0 {
			maxAttempts = 1
		}
		if attemptsUsed+1 < maxAttempts {
			return Outcome{
				Verdict:      Verdict{Valid: false, Reason: err.Error()},
				Mode:         cascade.WardRetry,
				ShouldRetry:  true,
				AttemptsUsed: attemptsUsed + 1,
			}, nil
		}
		return Outcome{
			Verdict:      Verdict{Valid: false, Reason: err.Error()},
			Mode:         cascade.WardBlocking,
			Exhausted:    true,
			AttemptsUsed: attemptsUsed,
		}, nil
	}
	return Outcome{Verdict: Verdict{Valid: true}, Mode: cascade.WardBlocking}, nil
}

// LoopUntilCheck runs w (a degenerate post-ward, spec.md §4.6 "loop_until")
// after a turn. It never escalates to blocking on its own — the LLM Turn
// Loop interprets the returned Verdict against max_turns, not
// w.MaxAttempts.
func LoopUntilCheck(ctx context.Context, registry *Registry, w cascade.Ward, subject any) (Verdict, error) {
	v, ok := registry.Lookup(w.Validator)
	if !ok {
		return Verdict{}, fmt.Errorf("ward: unknown loop_until validator %q", w.Validator)
	}
	return v(ctx, subject)
}
