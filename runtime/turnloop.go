package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/contextbuilder"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/trace"
	"github.com/cascaderun/cascade/ward"
)

const routeToTool = "route_to"

// turnLoopResult is what runLLMTurnLoop returns: the phase's final output
// (the last assistant turn's text content, spec.md §4.3/§4.1 example
// scenario 1), a routing hint if the turn loop resolved one, and
// accumulated accounting for the phase_complete event.
type turnLoopResult struct {
	Output    string
	Hint      routingHint
	TokensIn  int
	TokensOut int
	Cost      float64
}

// runLLMTurnLoop executes spec.md §4.3's per-turn algorithm against phase
// (a KindLLM phase) until a termination condition holds.
func (r *Runner) runLLMTurnLoop(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, retryFeedback string) (turnLoopResult, error) {
	rules := phase.LLM.Rules
	maxTurns := rules.MaxTurns
	if maxTurns == 0 {
		if rules.LoopUntil != nil {
			return turnLoopResult{}, newError(KindValidation, phase.Name, "loop_until not satisfied: max_turns is 0", nil)
		}
		return turnLoopResult{}, nil
	}

	toolNames := r.deps.Tools.Resolve(phase.LLM.Tools)
	schemas := r.buildToolSchemas(toolNames, phase)

	interPhase, err := r.selectInterPhaseContext(ctx, echo, phase, parentTrace)
	if err != nil {
		return turnLoopResult{}, err
	}

	instructions, err := r.renderInstructions(phase, echo, maxTurns)
	if err != nil {
		return turnLoopResult{}, err
	}
	if !rules.Native && len(schemas) > 0 {
		instructions += renderToolSchemasText(schemas)
	}

	var turnHistory []modelclient.Message
	var result turnLoopResult
	var retryAttempts []retryAttempt
	intraCfg := resolveIntraContext(phase.IntraContext)

	for turn := 0; turn < maxTurns; turn++ {
		var messages []modelclient.Message
		if len(retryAttempts) > 0 {
			// Tier 2 (spec.md §4.7): a loop_until retry starts the phase's
			// context over from the system prompt and task rather than
			// carrying forward every prior turn.
			messages = append(messages, interPhase...)
			messages = append(messages, buildRetryContext(instructions, retryFeedback, retryAttempts, intraCfg.LoopRetryDepth,
				"Try again, taking the rejection reasons above into account.")...)
		} else {
			messages = r.buildTurnMessages(turn, interPhase, instructions, phase, retryFeedback, turnHistory, intraCfg)
		}

		req := modelclient.Request{Model: phase.LLM.Model, Messages: messages}
		if rules.Native {
			req.ToolSchemas = schemas
		}
		start := time.Now()
		resp, err := r.deps.Model.Complete(ctx, req)
		duration := time.Since(start)
		if err != nil {
			return turnLoopResult{}, newError(KindModel, phase.Name, "model call failed", err)
		}
		result.TokensIn += resp.TokensIn
		result.TokensOut += resp.TokensOut

		assistantMsg := resp.Message
		assistantMsg.PhaseName, assistantMsg.Turn = phase.Name, turn
		turnTrace, err := r.emit(ctx, eventsink.Record{
			SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeAgent,
			PhaseName: phase.Name, TurnNumber: turn, Model: phase.LLM.Model,
			ProviderRequestID: resp.ProviderRequestID, TokensIn: resp.TokensIn, TokensOut: resp.TokensOut,
			DurationMS: duration.Milliseconds(), Payload: mustMarshal(resp),
			ContentHash: trace.ContentHash(string(modelclient.RoleAssistant), assistantMsg.Text()),
		})
		if err != nil {
			return turnLoopResult{}, newError(KindToolIO, phase.Name, "append agent event", err)
		}
		turnHistory = append(turnHistory, assistantMsg)

		toolCalls := assistantMsg.ToolCalls()
		if !rules.Native {
			toolCalls = parseTextualToolCalls(assistantMsg.Text())
		}

		routed, resultMessages, err := r.dispatchToolCalls(ctx, echo, phase, turn, turnTrace, toolCalls)
		if err != nil {
			return turnLoopResult{}, err
		}
		turnHistory = append(turnHistory, resultMessages...)

		result.Output = assistantMsg.Text()

		if len(phase.DecisionPoints) > 0 {
			if block, ok := parseDecisionBlock(assistantMsg.Text()); ok {
				point, found := matchDecisionPoint(phase.DecisionPoints, block.Question)
				if found {
					hint, err := r.handleDynamicDecision(ctx, phase, echo, point)
					if err != nil {
						return turnLoopResult{}, err
					}
					result.Hint = hint
					return result, nil
				}
			}
		}

		if routed.HasRoute {
			result.Hint = routed
			return result, nil
		}

		if len(toolCalls) == 0 && rules.LoopUntil == nil {
			return result, nil
		}

		if rules.LoopUntil != nil {
			verdict, err := ward.LoopUntilCheck(ctx, r.deps.Wards, *rules.LoopUntil, result.Output)
			if err != nil {
				return turnLoopResult{}, newError(KindValidation, phase.Name, "loop_until validator error", err)
			}
			if _, err := r.emit(ctx, eventsink.Record{
				SessionID: echo.SessionID, ParentID: turnTrace, NodeType: trace.NodeLoopUntilCheck,
				PhaseName: phase.Name, TurnNumber: turn,
				Payload: mustMarshal(verdict),
			}); err != nil {
				return turnLoopResult{}, newError(KindToolIO, phase.Name, "append loop_until event", err)
			}
			if verdict.Valid {
				return result, nil
			}
			if turn+1 >= maxTurns {
				return turnLoopResult{}, newError(KindValidation, phase.Name, "loop_until not satisfied: "+verdict.Reason, nil)
			}
			retryAttempts = append(retryAttempts, retryAttempt{Output: result.Output, Reason: verdict.Reason})
			continue
		}
		// tool calls were issued and no loop_until: continue to the next
		// turn so the model can react to tool results.
	}
	return result, nil
}

func (r *Runner) renderInstructions(phase cascade.Phase, echo *cascade.Session, maxTurns int) (string, error) {
	vars := template.Vars{
		Input: echo.Input, State: echo.State, Outputs: echo.Outputs, Lineage: echo.Lineage,
		Turn: 0, MaxTurns: maxTurns,
	}
	rendered, err := r.deps.Template.Render(phase.LLM.Instructions, vars)
	if err != nil {
		return "", newError(KindTemplate, phase.Name, "render instructions", err)
	}
	if phase.LLM.Rules.LoopUntil != nil && !phase.LLM.Rules.Silent {
		rendered += template.AcceptanceFooter(phase.LLM.Rules.LoopUntil.Validator)
	}
	return rendered, nil
}

func (r *Runner) buildToolSchemas(names []string, phase cascade.Phase) []modelclient.ToolSchema {
	schemas := make([]modelclient.ToolSchema, 0, len(names)+1)
	for _, name := range names {
		d, ok := r.deps.Tools.Lookup(name)
		if !ok {
			continue
		}
		schemas = append(schemas, modelclient.ToolSchema{Name: d.Name, Description: d.Description})
	}
	if len(phase.Handoffs) >= 2 {
		schemas = append(schemas, modelclient.ToolSchema{
			Name:        routeToTool,
			Description: "Route to one of: " + strings.Join(phase.Handoffs, ", "),
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"target": map[string]any{"type": "string", "enum": toAnySlice(phase.Handoffs)}},
				"required":   []any{"target"},
			},
		})
	}
	return schemas
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// selectInterPhaseContext resolves and hydrates the phase's inbound context
// (spec.md §4.7 "Inter-phase") once, at phase entry.
func (r *Runner) selectInterPhaseContext(ctx context.Context, echo *cascade.Session, phase cascade.Phase, parentTrace trace.ID) ([]modelclient.Message, error) {
	if phase.Context == nil || r.deps.Context == nil {
		return nil, nil
	}
	if phase.Context.Explicit != nil {
		return r.hydrateExplicitContext(ctx, echo, *phase.Context.Explicit)
	}

	from := resolveFromKeywords(phase.Context.From, echo.Lineage)
	cfg := contextbuilder.Config{
		Strategy: contextbuilder.Strategy(phase.Context.Strategy), From: from, Exclude: phase.Context.Exclude,
		AnchorTurns: phase.Context.AnchorTurns, TokenBudget: phase.Context.TokenBudget,
		Alpha: 1, Beta: 0.5, Gamma: 0.25,
	}
	sel, err := r.deps.Context.Select(ctx, echo.SessionID, cfg)
	if err != nil {
		return nil, newError(KindConfig, phase.Name, "context selection", err)
	}
	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeContextSelection,
		PhaseName: phase.Name, Metadata: contextbuilder.EventMeta(sel),
	}); err != nil {
		return nil, newError(KindToolIO, phase.Name, "append context_selection event", err)
	}
	return recordsToMessages(sel.Messages), nil
}

func resolveFromKeywords(from []string, lineage []string) []string {
	var out []string
	for _, f := range from {
		switch f {
		case "previous":
			if len(lineage) > 0 {
				out = append(out, lineage[len(lineage)-1])
			}
		case "first":
			if len(lineage) > 0 {
				out = append(out, lineage[0])
			}
		case "all":
			out = append(out, lineage...)
		default:
			out = append(out, f)
		}
	}
	return out
}

func (r *Runner) hydrateExplicitContext(ctx context.Context, echo *cascade.Session, explicit cascade.ExplicitContext) ([]modelclient.Message, error) {
	if len(explicit.Messages) == 0 {
		return nil, nil
	}
	records, err := r.deps.Sink.Query(ctx, eventsink.Query{SessionID: echo.SessionID})
	if err != nil {
		return nil, newError(KindConfig, "", "hydrate explicit context", err)
	}
	want := make(map[string]bool, len(explicit.Messages))
	for _, h := range explicit.Messages {
		want[h] = true
	}
	var filtered []eventsink.Record
	for _, rec := range records {
		if want[rec.ContentHash] {
			filtered = append(filtered, rec)
		}
	}
	return recordsToMessages(filtered), nil
}

func recordsToMessages(records []eventsink.Record) []modelclient.Message {
	out := make([]modelclient.Message, 0, len(records))
	for _, rec := range records {
		text := extractRecordText(rec)
		if text == "" {
			continue
		}
		out = append(out, modelclient.Message{
			Role: cascadeRole(rec.Role), Parts: []modelclient.Part{modelclient.TextPart{Text: text}}, PhaseName: rec.PhaseName,
		})
	}
	return out
}

func cascadeRole(role string) modelclient.Role {
	if role == "" {
		return modelclient.RoleUser
	}
	return modelclient.Role(role)
}

func (r *Runner) buildTurnMessages(turn int, interPhase []modelclient.Message, instructions string, phase cascade.Phase, retryFeedback string, turnHistory []modelclient.Message, intraCfg cascade.IntraContextConfig) []modelclient.Message {
	var out []modelclient.Message
	out = append(out, interPhase...)
	if turn == 0 {
		out = append(out, modelclient.Message{Role: modelclient.RoleSystem, Parts: []modelclient.Part{modelclient.TextPart{Text: instructions}}, PhaseName: phase.Name})
		if retryFeedback != "" {
			out = append(out, modelclient.Message{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: retryFeedback}}, PhaseName: phase.Name})
		}
	}
	out = append(out, compressTurns(turnHistory, intraCfg)...)
	if turn >= 1 && phase.LLM.Rules.TurnPrompt != "" {
		rendered, err := r.deps.Template.Render(phase.LLM.Rules.TurnPrompt, template.Vars{Turn: turn, MaxTurns: phase.LLM.Rules.MaxTurns})
		if err == nil {
			out = append(out, modelclient.Message{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: rendered}}, PhaseName: phase.Name, Turn: turn})
		}
	}
	return out
}

// dispatchToolCalls executes each tool call in order (spec.md §4.3 step
// 3), returning a routing hint if route_to (or a tool's _route result) was
// observed, plus the tool-result messages (one per non-routing call, each
// carrying the call's actual output so the model sees it next turn) with
// any persisted images appended as a trailing multimodal follow-up.
func (r *Runner) dispatchToolCalls(ctx context.Context, echo *cascade.Session, phase cascade.Phase, turn int, parentTrace trace.ID, calls []modelclient.ToolUsePart) (routingHint, []modelclient.Message, error) {
	var hint routingHint
	var resultMessages []modelclient.Message
	var imageParts []modelclient.Part
	imageIndex := 0

	for _, call := range calls {
		if _, err := r.emit(ctx, eventsink.Record{
			SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeToolCall,
			PhaseName: phase.Name, TurnNumber: turn, Payload: mustMarshal(call),
		}); err != nil {
			return hint, nil, newError(KindToolIO, phase.Name, "append tool_call event", err)
		}

		if call.Name == routeToTool {
			target, _ := call.Input["target"].(string)
			hint = routingHint{Route: target, HasRoute: true}
			continue
		}

		d, ok := r.deps.Tools.Lookup(call.Name)
		if !ok {
			return hint, nil, newError(KindToolUsage, phase.Name, "unknown tool "+call.Name, nil)
		}
		if err := d.Validate(call.Input); err != nil {
			return hint, nil, newError(KindToolUsage, phase.Name, "invalid arguments for "+call.Name, err)
		}
		ctxParams := map[string]any{
			"_session_id": echo.SessionID, "_phase_name": phase.Name,
			"_outputs": echo.Outputs, "_state": echo.State, "_trace_id": string(parentTrace),
		}
		args := d.InjectContextParams(call.Input, ctxParams)

		res, err := r.invokeTool(ctx, d, args, echo)
		if err != nil {
			return hint, nil, newError(KindTool, phase.Name, "tool "+call.Name+" failed", err)
		}
		if _, err := r.emit(ctx, eventsink.Record{
			SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeToolResult,
			PhaseName: phase.Name, TurnNumber: turn, Payload: mustMarshal(res),
		}); err != nil {
			return hint, nil, newError(KindToolIO, phase.Name, "append tool_result event", err)
		}

		content := res.Content
		if content == nil {
			content = res.Value
		}
		resultMessages = append(resultMessages, modelclient.Message{
			Role: modelclient.RoleTool, PhaseName: phase.Name, Turn: turn,
			Parts: []modelclient.Part{modelclient.ToolResultPart{ToolUseID: call.ID, Content: content}},
		})

		if res.Status != "" {
			echo.Outputs[phase.Name+".status"] = res.Status
		}
		if res.Route != "" {
			for _, h := range phase.Handoffs {
				if h == res.Route {
					hint = routingHint{Route: res.Route, HasRoute: true}
				}
			}
		}
		if len(res.Images) > 0 && r.deps.Images != nil {
			for _, src := range res.Images {
				ref, err := r.deps.Images.Persist(ctx, echo.SessionID, phase.Name, imageIndex, src)
				if err != nil {
					return hint, nil, newError(KindToolIO, phase.Name, "persist image", err)
				}
				imageIndex++
				echo.ImageStore[fmt.Sprintf("%s#%d", phase.Name, ref.Index)] = ref
				imageParts = append(imageParts, modelclient.ImagePart{Path: ref.Path})
			}
		}
	}

	if len(imageParts) > 0 {
		resultMessages = append(resultMessages, modelclient.Message{Role: modelclient.RoleUser, Parts: imageParts, PhaseName: phase.Name, Turn: turn})
	}
	return hint, resultMessages, nil
}
