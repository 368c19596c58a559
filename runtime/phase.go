package runtime

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/scheduler"
	"github.com/cascaderun/cascade/sounding"
	"github.com/cascaderun/cascade/toolregistry"
	"github.com/cascaderun/cascade/trace"
	"github.com/cascaderun/cascade/ward"
)

// runPhase is the Phase Executor (spec.md §4.2): it gates on HumanInput,
// brackets the phase body with pre/post wards, fans the body out into
// soundings (and reforge) when configured, validates output_schema, and
// emits phase_start/phase_complete.
func (r *Runner) runPhase(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID) (turnLoopResult, error) {
	if phase.HumanInput != nil {
		if err := r.awaitHumanInputGate(ctx, phase, echo); err != nil {
			return turnLoopResult{}, err
		}
	}

	phaseTrace, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodePhaseStart,
		PhaseName: phase.Name, CascadeID: c.ID, Depth: echo.Depth,
	})
	if err != nil {
		return turnLoopResult{}, newError(KindToolIO, phase.Name, "append phase_start event", err)
	}

	attempts := map[string]int{}
	if phase.Wards != nil && len(phase.Wards.Pre) > 0 {
		if err := r.runWardSet(ctx, echo, phase, phaseTrace, phase.Wards.Pre, echo, attempts); err != nil {
			return turnLoopResult{}, err
		}
	}

	usesSoundings := phase.Soundings != nil && phase.Soundings.Factor > 1

	var result turnLoopResult
	for {
		if usesSoundings {
			result, err = r.runSoundings(ctx, c, phase, echo, phaseTrace, "")
		} else {
			result, err = r.dispatchPhaseBody(ctx, c, phase, echo, phaseTrace, "")
		}
		if err != nil {
			return turnLoopResult{}, err
		}

		if phase.Wards == nil || len(phase.Wards.Post) == 0 {
			break
		}
		outcome, werr := ward.RunSet(ctx, r.deps.Wards, phase.Wards.Post, result.Output, attempts)
		if werr != nil {
			return turnLoopResult{}, newError(KindValidation, phase.Name, "post-ward evaluation", werr)
		}
		if _, err := r.emit(ctx, eventsink.Record{
			SessionID: echo.SessionID, ParentID: phaseTrace, NodeType: trace.NodeWard,
			PhaseName: phase.Name, Payload: mustMarshal(outcome),
		}); err != nil {
			return turnLoopResult{}, newError(KindToolIO, phase.Name, "append ward event", err)
		}
		if outcome.Verdict.Valid {
			break
		}
		if !outcome.ShouldRetry {
			return turnLoopResult{}, newError(KindValidation, phase.Name, "post-ward rejected: "+outcome.Verdict.Reason, nil)
		}
		// retry: re-run the phase body once more with the rejection reason
		// fed back as context (spec.md §4.6 "retry mode re-executes the
		// phase body with the failure reason injected").
		if usesSoundings {
			result, err = r.runSoundings(ctx, c, phase, echo, phaseTrace, outcome.Verdict.Reason)
		} else {
			result, err = r.dispatchPhaseBody(ctx, c, phase, echo, phaseTrace, outcome.Verdict.Reason)
		}
		if err != nil {
			return turnLoopResult{}, err
		}
		break
	}

	if phase.OutputSchema != nil {
		maxAttempts := 1
		if phase.Kind == cascade.KindLLM && phase.LLM != nil && phase.LLM.Rules.MaxAttempts > 0 {
			maxAttempts = phase.LLM.Rules.MaxAttempts
		}
		attemptsUsed := 0
		for {
			outcome, err := r.checkOutputSchema(ctx, phase, echo, phaseTrace, result.Output, attemptsUsed, maxAttempts)
			if err != nil {
				return turnLoopResult{}, err
			}
			if outcome.Verdict.Valid {
				break
			}
			if !outcome.ShouldRetry {
				return turnLoopResult{}, newError(KindValidation, phase.Name, "output_schema validation failed: "+outcome.Verdict.Reason, nil)
			}
			attemptsUsed = outcome.AttemptsUsed
			// retry: re-run the phase body with the schema failure reason fed
			// back, the same way a failing post-ward retries (spec.md §4.2
			// step 5 / §4.6 "output_schema ... shares the phase's configured
			// retry budget").
			if usesSoundings {
				result, err = r.runSoundings(ctx, c, phase, echo, phaseTrace, outcome.Verdict.Reason)
			} else {
				result, err = r.dispatchPhaseBody(ctx, c, phase, echo, phaseTrace, outcome.Verdict.Reason)
			}
			if err != nil {
				return turnLoopResult{}, err
			}
		}
	}

	echo.Outputs[phase.Name] = result.Output
	echo.Lineage = append(echo.Lineage, phase.Name)

	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: phaseTrace, NodeType: trace.NodePhaseComplete,
		PhaseName: phase.Name, TokensIn: result.TokensIn, TokensOut: result.TokensOut, Cost: result.Cost,
	}); err != nil {
		return turnLoopResult{}, newError(KindToolIO, phase.Name, "append phase_complete event", err)
	}
	return result, nil
}

func (r *Runner) runWardSet(ctx context.Context, echo *cascade.Session, phase cascade.Phase, parentTrace trace.ID, wards []cascade.Ward, subject any, attempts map[string]int) error {
	outcome, err := ward.RunSet(ctx, r.deps.Wards, wards, subject, attempts)
	if err != nil {
		return newError(KindValidation, phase.Name, "ward evaluation", err)
	}
	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeWard,
		PhaseName: phase.Name, Payload: mustMarshal(outcome),
	}); err != nil {
		return newError(KindToolIO, phase.Name, "append ward event", err)
	}
	if !outcome.Verdict.Valid && !outcome.ShouldRetry {
		return newError(KindValidation, phase.Name, "ward rejected: "+outcome.Verdict.Reason, nil)
	}
	return nil
}

// checkOutputSchema validates output against phase.OutputSchema for one
// attempt, tracking attemptsUsed/maxAttempts the same way ValidateOutputSchema
// bounds any other retry ward (spec.md §4.6 "output_schema"). The caller
// re-runs the phase body and calls back in when outcome.ShouldRetry is set.
func (r *Runner) checkOutputSchema(ctx context.Context, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, output any, attemptsUsed, maxAttempts int) (ward.Outcome, error) {
	schema, err := toolregistry.CompileSchema(phase.Name+".output", phase.OutputSchema)
	if err != nil {
		return ward.Outcome{}, newError(KindConfig, phase.Name, "compile output_schema", err)
	}
	outcome, err := ward.ValidateOutputSchema(schema, output, attemptsUsed, maxAttempts)
	if err != nil {
		return ward.Outcome{}, newError(KindValidation, phase.Name, "validate output_schema", err)
	}
	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeWard,
		PhaseName: phase.Name, Payload: mustMarshal(outcome),
	}); err != nil {
		return ward.Outcome{}, newError(KindToolIO, phase.Name, "append output_schema ward event", err)
	}
	return outcome, nil
}

// awaitHumanInputGate blocks phase dispatch on a synthetic checkpoint named
// after the phase until a human resumes it, aborting on timeout (spec.md
// §4.2 leaves the exact on_timeout behavior for this common-level gate
// unspecified, unlike signal phases' explicit on_timeout map; this runner
// treats a HumanInputConfig timeout as aborting the cascade).
func (r *Runner) awaitHumanInputGate(ctx context.Context, phase cascade.Phase, echo *cascade.Session) error {
	if r.deps.Signals == nil {
		return newError(KindConfig, phase.Name, "human_input gate requires a configured Signal Manager", nil)
	}
	def := cascade.SignalDef{Name: "checkpoint:" + phase.Name, Kind: "human", Timeout: phase.HumanInput.Timeout}
	outcome, err := r.deps.Signals.Await(ctx, echo.SessionID, def, r.deps.SignalPollInterval)
	if err != nil {
		return newError(KindSignal, phase.Name, "await human_input checkpoint", err)
	}
	if outcome.Cancelled {
		return newError(KindCancelled, phase.Name, "human_input checkpoint cancelled", ctx.Err())
	}
	if outcome.TimedOut {
		return newError(KindSignal, phase.Name, "human_input checkpoint timed out", nil)
	}
	return nil
}

// dispatchPhaseBody runs the phase-kind-specific body once against echo
// directly (no sounding branch), threading retryFeedback into the LLM turn
// loop's turn-0 context when non-empty.
func (r *Runner) dispatchPhaseBody(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, retryFeedback string) (turnLoopResult, error) {
	switch phase.Kind {
	case cascade.KindLLM:
		return r.runLLMTurnLoop(ctx, c, phase, echo, parentTrace, retryFeedback)
	case cascade.KindDeterministic:
		return r.runDeterministic(ctx, phase, echo)
	case cascade.KindSignal:
		return r.runSignalPhase(ctx, c, phase, echo)
	default:
		return turnLoopResult{}, newError(KindConfig, phase.Name, "unknown phase kind "+string(phase.Kind), nil)
	}
}

// runSoundings fans phase.Soundings.Factor candidates out over independent
// branched Sessions (spec.md §4.5/§5), selects a winner, optionally refines
// it via reforge, and merges the winning branch back into echo.
func (r *Runner) runSoundings(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, retryFeedback string) (turnLoopResult, error) {
	cfg := *phase.Soundings
	token := scheduler.NewToken(ctx)
	var branchesMu sync.Mutex
	branches := map[string]*cascade.Session{}

	body := func(ctx context.Context, sessionID string, mutation sounding.Mutation, model string) (sounding.Candidate, error) {
		branch := echo.Clone(sessionID)
		branchesMu.Lock()
		branches[sessionID] = branch
		branchesMu.Unlock()
		branchPhase := applyMutationAndModel(phase, mutation, model)
		res, err := r.dispatchPhaseBody(ctx, c, branchPhase, branch, parentTrace, retryFeedback)
		if err != nil {
			return sounding.Candidate{SessionID: sessionID, Err: err}, nil
		}
		if _, ferr := r.emit(ctx, eventsink.Record{
			SessionID: sessionID, ParentID: parentTrace, NodeType: trace.NodeSoundingAttempt,
			PhaseName: phase.Name, TokensIn: res.TokensIn, TokensOut: res.TokensOut, Cost: res.Cost,
		}); ferr != nil {
			return sounding.Candidate{SessionID: sessionID, Err: ferr}, nil
		}
		return sounding.Candidate{SessionID: sessionID, Output: res.Output, TokensIn: res.TokensIn, TokensOut: res.TokensOut, Cost: res.Cost}, nil
	}

	candidates, err := sounding.Run(ctx, token, echo.SessionID, cfg, body)
	if err != nil {
		return turnLoopResult{}, newError(KindConfig, phase.Name, "run soundings", err)
	}

	if cfg.PreFilter != "" {
		validator, ok := r.deps.Wards.Lookup(cfg.PreFilter)
		if !ok {
			return turnLoopResult{}, newError(KindConfig, phase.Name, "unknown pre_filter validator "+cfg.PreFilter, nil)
		}
		candidates, _ = sounding.ApplyPreFilter(candidates, func(cand sounding.Candidate) bool {
			verdict, err := validator(ctx, cand.Output)
			return err == nil && verdict.Valid
		})
	}

	winnerIdx, err := r.selectSoundingsWinner(ctx, phase.Name, echo, cfg.Evaluator, candidates)
	if err != nil {
		return turnLoopResult{}, err
	}

	if winnerIdx == aggregateWinnerIndex {
		return r.aggregateSoundings(ctx, phase, echo, parentTrace, candidates)
	}

	winnerCand := candidateByIndex(candidates, winnerIdx)
	winnerSession := branches[winnerCand.SessionID]
	if winnerSession == nil {
		return turnLoopResult{}, newError(KindConfig, phase.Name, "sounding winner session not found", nil)
	}

	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: winnerCand.SessionID, ParentID: parentTrace, NodeType: trace.NodeWinner,
		PhaseName: phase.Name, SoundingIndex: &winnerIdx, IsWinner: true,
	}); err != nil {
		return turnLoopResult{}, newError(KindToolIO, phase.Name, "append winner event", err)
	}

	result := turnLoopResult{
		Output: fmt.Sprintf("%v", winnerCand.Output), TokensIn: winnerCand.TokensIn,
		TokensOut: winnerCand.TokensOut, Cost: winnerCand.Cost,
	}

	if cfg.Reforge != nil {
		result, winnerSession, err = r.runReforge(ctx, c, phase, echo, parentTrace, *cfg.Reforge, winnerCand, winnerSession)
		if err != nil {
			return turnLoopResult{}, err
		}
	}

	echo.Merge(winnerSession)
	return result, nil
}

func applyMutationAndModel(phase cascade.Phase, mutation sounding.Mutation, model string) cascade.Phase {
	if phase.Kind != cascade.KindLLM || phase.LLM == nil {
		return phase
	}
	out := phase
	llm := *phase.LLM
	if mutation.Template != "" {
		llm.Instructions = llm.Instructions + "\n\n" + mutation.Template
	}
	if model != "" {
		llm.Model = model
	}
	out.LLM = &llm
	return out
}

func candidateByIndex(candidates []sounding.Candidate, idx int) sounding.Candidate {
	for _, c := range candidates {
		if c.Index == idx {
			return c
		}
	}
	return sounding.Candidate{}
}

// aggregateWinnerIndex is the sentinel selectSoundingsWinner returns for
// evaluator kind "aggregate": there is no single winning branch, so the
// caller combines every surviving candidate's output instead of merging one
// branch's Session back (spec.md §4.5 "aggregate: combine all outputs").
const aggregateWinnerIndex = -1

// selectSoundingsWinner dispatches to sounding.Evaluate for every
// evaluator kind sounding.Evaluate itself handles, and resolves human/
// hybrid kinds by awaiting an "evaluator:<phase>" signal whose resolved
// value is parsed as the winning candidate index. The candidates themselves
// are not attached to that signal.
func (r *Runner) selectSoundingsWinner(ctx context.Context, phaseName string, echo *cascade.Session, cfg cascade.EvaluatorConfig, candidates []sounding.Candidate) (int, error) {
	switch cfg.Kind {
	case "human", "hybrid":
		return r.awaitHumanEvaluator(ctx, phaseName, echo, candidates)
	default:
		eval, err := sounding.Evaluate(ctx, r.deps.evaluator(), candidates, cfg)
		if err != nil {
			return 0, newError(KindValidation, phaseName, "soundings evaluation", err)
		}
		if eval.IsAggregate {
			return aggregateWinnerIndex, nil
		}
		return eval.WinnerIndex, nil
	}
}

// aggregateSoundings combines every surviving candidate's output into a
// single result without merging any one branch's Session state back into
// echo, since no branch "won" (spec.md §4.5 "aggregate" evaluator kind).
func (r *Runner) aggregateSoundings(ctx context.Context, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, candidates []sounding.Candidate) (turnLoopResult, error) {
	var outputs []any
	var tokensIn, tokensOut int
	var cost float64
	for _, cand := range candidates {
		if cand.Err != nil || cand.Rejected {
			continue
		}
		outputs = append(outputs, cand.Output)
		tokensIn += cand.TokensIn
		tokensOut += cand.TokensOut
		cost += cand.Cost
	}
	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: echo.SessionID, ParentID: parentTrace, NodeType: trace.NodeWinner,
		PhaseName: phase.Name, Metadata: map[string]any{"aggregate": true, "count": len(outputs)},
	}); err != nil {
		return turnLoopResult{}, newError(KindToolIO, phase.Name, "append aggregate winner event", err)
	}
	return turnLoopResult{
		Output: string(mustMarshal(outputs)), TokensIn: tokensIn, TokensOut: tokensOut, Cost: cost,
	}, nil
}

func (r *Runner) awaitHumanEvaluator(ctx context.Context, phaseName string, echo *cascade.Session, candidates []sounding.Candidate) (int, error) {
	if r.deps.Signals == nil {
		return 0, newError(KindConfig, phaseName, "human/hybrid evaluator requires a configured Signal Manager", nil)
	}
	def := cascade.SignalDef{Name: "evaluator:" + phaseName, Kind: "human"}
	outcome, err := r.deps.Signals.Await(ctx, echo.SessionID, def, r.deps.SignalPollInterval)
	if err != nil {
		return 0, newError(KindSignal, phaseName, "await human evaluator selection", err)
	}
	if outcome.TimedOut || outcome.Cancelled {
		return 0, newError(KindSignal, phaseName, "human evaluator selection did not resolve", nil)
	}
	idx, err := strconv.Atoi(stringifyAny(outcome.Value))
	if err != nil {
		return 0, newError(KindValidation, phaseName, "human evaluator response is not a candidate index", err)
	}
	return idx, nil
}

// runReforge iteratively refines the soundings winner (spec.md §4.5
// "Reforge (depth)"), returning the new winning result and its owning
// Session for the caller to merge back.
func (r *Runner) runReforge(ctx context.Context, c *cascade.Cascade, phase cascade.Phase, echo *cascade.Session, parentTrace trace.ID, cfg cascade.ReforgeConfig, initial sounding.Candidate, initialSession *cascade.Session) (turnLoopResult, *cascade.Session, error) {
	token := scheduler.NewToken(ctx)
	var sessionsMu sync.Mutex
	sessions := map[string]*cascade.Session{initial.SessionID: initialSession}
	evalCfg := phase.Soundings.Evaluator
	if cfg.EvaluatorOverride != nil {
		evalCfg = *cfg.EvaluatorOverride
	}

	var earlyStop func(ctx context.Context, winner sounding.Candidate) (bool, error)
	if cfg.EarlyStop != "" {
		validator, ok := r.deps.Wards.Lookup(cfg.EarlyStop)
		if ok {
			earlyStop = func(ctx context.Context, winner sounding.Candidate) (bool, error) {
				verdict, err := validator(ctx, winner.Output)
				return verdict.Valid, err
			}
		}
	}

	body := func(ctx context.Context, sessionID, honingPrompt string, currentWinner sounding.Candidate, mutation sounding.Mutation, model string) (sounding.Candidate, error) {
		sessionsMu.Lock()
		base := sessions[currentWinner.SessionID]
		if base == nil {
			base = echo
		}
		branch := base.Clone(sessionID)
		sessions[sessionID] = branch
		sessionsMu.Unlock()
		branchPhase := applyMutationAndModel(phase, mutation, model)
		if branchPhase.Kind == cascade.KindLLM && branchPhase.LLM != nil {
			llm := *branchPhase.LLM
			llm.Instructions = llm.Instructions + "\n\n" + honingPrompt
			branchPhase.LLM = &llm
		}
		res, err := r.dispatchPhaseBody(ctx, c, branchPhase, branch, parentTrace, "")
		if err != nil {
			return sounding.Candidate{SessionID: sessionID, Err: err}, nil
		}
		return sounding.Candidate{SessionID: sessionID, Output: res.Output, TokensIn: res.TokensIn, TokensOut: res.TokensOut, Cost: res.Cost}, nil
	}

	evaluate := func(ctx context.Context, cands []sounding.Candidate) (sounding.Evaluation, error) {
		eval, err := sounding.Evaluate(ctx, r.deps.evaluator(), cands, evalCfg)
		return eval, err
	}

	reforged, err := sounding.Reforge(ctx, token, r.deps.Template, echo.SessionID, cfg, cfg.HoningPrompt, initial, body, evaluate, earlyStop)
	if err != nil {
		return turnLoopResult{}, nil, newError(KindValidation, phase.Name, "reforge", err)
	}

	winnerSession := sessions[reforged.Winner.SessionID]
	if winnerSession == nil {
		winnerSession = initialSession
	}
	if _, err := r.emit(ctx, eventsink.Record{
		SessionID: reforged.Winner.SessionID, ParentID: parentTrace, NodeType: trace.NodeReforgeStep,
		PhaseName: phase.Name, Metadata: map[string]any{"steps_run": reforged.StepsRun, "early_stop": reforged.EarlyStop},
	}); err != nil {
		return turnLoopResult{}, nil, newError(KindToolIO, phase.Name, "append reforge_step event", err)
	}

	result := turnLoopResult{
		Output: fmt.Sprintf("%v", reforged.Winner.Output), TokensIn: reforged.Winner.TokensIn,
		TokensOut: reforged.Winner.TokensOut, Cost: reforged.Winner.Cost,
	}
	return result, winnerSession, nil
}
