// Package runtime implements the Cascade Runner and Phase Executor
// (spec.md §4.1, §4.2): the top-level driver that owns a Session ("Echo")
// and iterates phases, and the per-phase dispatcher that runs the LLM turn
// loop, deterministic invocations, or signal waits, orchestrating
// soundings/reforge and wards around all three.
//
// Grounded on the teacher's runtime/agent/runtime package (the central
// engine root), generalized from goa-ai's fixed agent-loop shape to the
// cascade data model's three phase kinds.
package runtime

import "fmt"

// Kind classifies a runtime error per spec.md §7's taxonomy, so callers
// (Cascade Runner, retry policies) can dispatch on failure category without
// string-matching error text.
type Kind string

const (
	KindConfig     Kind = "config_error"
	KindTemplate   Kind = "template_error"
	KindTool       Kind = "tool_error"
	KindToolTimeout Kind = "tool_timeout"
	KindToolUsage   Kind = "tool_usage"
	KindToolIO      Kind = "tool_io"
	KindModel       Kind = "model_error"
	KindValidation  Kind = "validation_error"
	KindRouting     Kind = "routing_error"
	KindSignal      Kind = "signal_error"
	KindCancelled   Kind = "cancelled"
)

// Error wraps a failure with its taxonomy Kind, the phase it occurred in,
// and the underlying cause.
type Error struct {
	Kind    Kind
	Phase   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("runtime: %s: phase %q: %s", e.Kind, e.Phase, e.Message)
	}
	return fmt.Sprintf("runtime: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind Kind, phase, msg string, cause error) *Error {
	return &Error{Kind: kind, Phase: phase, Message: msg, Cause: cause}
}

// Fatal reports whether an error of kind aborts the cascade outright per
// spec.md §7 "Propagation policy", as opposed to being handled by a
// phase-local retry/routing mechanism.
func Fatal(kind Kind) bool {
	switch kind {
	case KindConfig, KindTemplate, KindRouting, KindCancelled:
		return true
	default:
		return false
	}
}
