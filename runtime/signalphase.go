package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/signal"
)

// decisionFence matches the fenced JSON block an LLM turn emits to surface
// a dynamic decision (spec.md §4.8 "Dynamic decisions").
var decisionFence = regexp.MustCompile("(?s)```decision\\s*\\n(.*?)\\n```")

// runSignalPhase executes spec.md §4.8's signal wait: resolve the named
// signal definition, await it via the Signal Manager, and map the outcome
// to a routingHint per on_signal/on_timeout.
func (r *Runner) runSignalPhase(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session) (turnLoopResult, error) {
	if r.deps.Signals == nil {
		return turnLoopResult{}, newError(KindConfig, phase.Name, "signal phase requires a configured Signal Manager", nil)
	}
	def, ok := c.Signals[phase.Signal.Await]
	if !ok {
		return turnLoopResult{}, newError(KindConfig, phase.Name, "cascade has no signal named "+phase.Signal.Await, nil)
	}
	if def.Timeout == 0 {
		def.Timeout = phase.Signal.Timeout
	}

	outcome, err := r.deps.Signals.Await(ctx, echo.SessionID, def, r.deps.SignalPollInterval)
	if err != nil {
		return turnLoopResult{}, newError(KindSignal, phase.Name, "await signal "+def.Name, err)
	}
	if outcome.Cancelled {
		return turnLoopResult{}, newError(KindCancelled, phase.Name, "signal wait cancelled", ctx.Err())
	}

	next, err := signal.ResolveOnSignal(*phase.Signal, outcome)
	if err != nil {
		return turnLoopResult{}, newError(KindSignal, phase.Name, "resolve signal outcome", err)
	}
	echo.Outputs[phase.Name+".signal_value"] = outcome.Value
	return turnLoopResult{Output: stringifyAny(outcome.Value), Hint: routingHint{Route: next, HasRoute: true}}, nil
}

// handleDynamicDecision surfaces a mid-phase dynamic decision block (spec.md
// §4.8 "Dynamic decisions") as a one-off human signal, resolving the
// model's chosen label to the matching DecisionOption's RouteTo.
func (r *Runner) handleDynamicDecision(ctx context.Context, phase cascade.Phase, echo *cascade.Session, point cascade.DecisionPoint) (routingHint, error) {
	if r.deps.Signals == nil {
		return routingHint{}, newError(KindConfig, phase.Name, "dynamic decision requires a configured Signal Manager", nil)
	}
	def := cascade.SignalDef{Name: "decision:" + phase.Name, Kind: "human"}
	outcome, err := r.deps.Signals.Await(ctx, echo.SessionID, def, r.deps.SignalPollInterval)
	if err != nil {
		return routingHint{}, newError(KindSignal, phase.Name, "await decision", err)
	}
	if outcome.Cancelled {
		return routingHint{}, newError(KindCancelled, phase.Name, "decision wait cancelled", ctx.Err())
	}
	if outcome.TimedOut {
		return routingHint{}, newError(KindSignal, phase.Name, "decision "+point.Question+" timed out", nil)
	}
	label := stringifyAny(outcome.Value)
	for _, opt := range point.Options {
		if opt.Label == label {
			return routingHint{Route: opt.RouteTo, HasRoute: true}, nil
		}
	}
	return routingHint{}, newError(KindRouting, phase.Name, "decision response "+label+" matches no option", nil)
}

// decisionBlock is the fenced JSON shape a turn emits to surface a dynamic
// decision (spec.md §4.8: "{question, options:[{label,route_to}]}").
type decisionBlock struct {
	Question string                   `json:"question"`
	Options  []cascade.DecisionOption `json:"options"`
}

func parseDecisionBlock(text string) (decisionBlock, bool) {
	matches := decisionFence.FindStringSubmatch(text)
	if matches == nil {
		return decisionBlock{}, false
	}
	var block decisionBlock
	if err := json.Unmarshal([]byte(matches[1]), &block); err != nil {
		return decisionBlock{}, false
	}
	return block, true
}

// matchDecisionPoint finds the declared DecisionPoint a turn's emitted
// question refers to; an exact match wins, falling back to the phase's
// only declared point when there is just one.
func matchDecisionPoint(points []cascade.DecisionPoint, question string) (cascade.DecisionPoint, bool) {
	for _, p := range points {
		if p.Question == question {
			return p, true
		}
	}
	if len(points) == 1 {
		return points[0], true
	}
	return cascade.DecisionPoint{}, false
}

func stringifyAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
