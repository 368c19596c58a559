package runtime

import (
	"context"
	"sync"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/scheduler"
	"github.com/cascaderun/cascade/sounding"
	"github.com/cascaderun/cascade/trace"
)

// Options configures one Run invocation (spec.md §4.1 "Options include
// session_id (override), parent_session_id, hooks, cancellation token").
type Options struct {
	SessionID       string
	ParentSessionID string
	Depth           int
	// Token, when set, is used as the cascade's cooperative cancellation
	// token instead of deriving a fresh one from ctx.
	Token scheduler.Token
}

// Result is what Run returns (spec.md §4.1 "{ output, session_id, lineage,
// error? }").
type Result struct {
	Output    any
	SessionID string
	Lineage   []string
	Err       error
}

// Run executes c to completion (spec.md §4.1's Cascade Runner algorithm):
// assign a session, dispatch phases in sequence through the Phase
// Executor, resolve routing between them, and emit cascade-scoped
// lifecycle events.
func (r *Runner) Run(ctx context.Context, c *cascade.Cascade, input map[string]any, opts Options) (Result, error) {
	if c.Soundings != nil && c.Soundings.Factor > 1 {
		return r.runCascadeSoundings(ctx, c, input, opts)
	}
	return r.runSingleCascade(ctx, c, input, opts)
}

func (r *Runner) runSingleCascade(ctx context.Context, c *cascade.Cascade, input map[string]any, opts Options) (Result, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = trace.NewSessionID()
	}
	echo := cascade.NewSession(sessionID, opts.ParentSessionID, opts.Depth, input)

	token := opts.Token
	if token.Context() == nil {
		token = scheduler.NewToken(ctx)
	}
	runCtx := token.Context()

	cascadeTrace, err := r.emit(runCtx, eventsink.Record{
		SessionID: sessionID, ParentSessionID: opts.ParentSessionID, NodeType: trace.NodeCascadeStart,
		CascadeID: c.ID, Depth: opts.Depth, Payload: mustMarshal(input),
	})
	if err != nil {
		return Result{SessionID: sessionID, Err: err}, err
	}

	if len(c.Phases) == 0 {
		return Result{SessionID: sessionID}, nil
	}
	currentName := c.Phases[0].Name

	var lastOutput any
	for {
		phase, ok := findPhase(c, currentName)
		if !ok {
			cerr := newError(KindConfig, currentName, "no such phase in cascade "+c.ID, nil)
			r.emitCascadeError(runCtx, sessionID, cascadeTrace, cerr)
			return Result{SessionID: sessionID, Lineage: echo.Lineage, Err: cerr}, cerr
		}

		result, err := r.runPhase(runCtx, c, phase, echo, cascadeTrace)
		if err != nil {
			if runCtx.Err() != nil {
				r.emitCascadeCancelled(ctx, sessionID, cascadeTrace)
				return Result{SessionID: sessionID, Lineage: echo.Lineage, Output: lastOutput, Err: err}, err
			}
			r.emitCascadeError(ctx, sessionID, cascadeTrace, err)
			return Result{SessionID: sessionID, Lineage: echo.Lineage, Err: err}, err
		}
		lastOutput = result.Output

		next, terminal, err := resolveNext(phase, result.Hint)
		if err != nil {
			r.emitCascadeError(runCtx, sessionID, cascadeTrace, err)
			return Result{SessionID: sessionID, Lineage: echo.Lineage, Output: lastOutput, Err: err}, err
		}
		if terminal {
			break
		}
		if token.Done() {
			r.emitCascadeCancelled(ctx, sessionID, cascadeTrace)
			cerr := newError(KindCancelled, currentName, "cascade cancelled", runCtx.Err())
			return Result{SessionID: sessionID, Lineage: echo.Lineage, Output: lastOutput, Err: cerr}, cerr
		}
		currentName = next
	}

	if _, err := r.emit(runCtx, eventsink.Record{
		SessionID: sessionID, ParentID: cascadeTrace, NodeType: trace.NodeCascadeComplete,
		CascadeID: c.ID, Payload: mustMarshal(lastOutput),
	}); err != nil {
		return Result{SessionID: sessionID, Lineage: echo.Lineage, Output: lastOutput}, nil
	}

	return Result{Output: lastOutput, SessionID: sessionID, Lineage: echo.Lineage}, nil
}

func findPhase(c *cascade.Cascade, name string) (cascade.Phase, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return cascade.Phase{}, false
}

func (r *Runner) emitCascadeError(ctx context.Context, sessionID string, parentTrace trace.ID, cerr error) {
	_, _ = r.emit(ctx, eventsink.Record{
		SessionID: sessionID, ParentID: parentTrace, NodeType: trace.NodeCascadeError,
		Payload: mustMarshal(map[string]string{"error": cerr.Error()}),
	})
}

func (r *Runner) emitCascadeCancelled(ctx context.Context, sessionID string, parentTrace trace.ID) {
	_, _ = r.emit(ctx, eventsink.Record{
		SessionID: sessionID, ParentID: parentTrace, NodeType: trace.NodeCascadeCancelled,
	})
}

// runCascadeSoundings executes N independent full cascade runs in parallel
// (spec.md §4.5 "Cascade-level soundings"), each with its own session id
// suffix, and selects a winning execution the same way a phase's soundings
// round selects a winning candidate.
func (r *Runner) runCascadeSoundings(ctx context.Context, c *cascade.Cascade, input map[string]any, opts Options) (Result, error) {
	cfg := *c.Soundings
	token := opts.Token
	if token.Context() == nil {
		token = scheduler.NewToken(ctx)
	}
	parentSessionID := opts.SessionID
	if parentSessionID == "" {
		parentSessionID = trace.NewSessionID()
	}

	var resultsMu sync.Mutex
	results := map[string]Result{}
	body := func(ctx context.Context, sessionID string, mutation sounding.Mutation, model string) (sounding.Candidate, error) {
		branchOpts := Options{SessionID: sessionID, ParentSessionID: parentSessionID, Depth: opts.Depth + 1, Token: token}
		res, err := r.runSingleCascade(ctx, c, input, branchOpts)
		resultsMu.Lock()
		results[sessionID] = res
		resultsMu.Unlock()
		if err != nil {
			return sounding.Candidate{SessionID: sessionID, Err: err}, nil
		}
		return sounding.Candidate{SessionID: sessionID, Output: res.Output}, nil
	}

	candidates, err := sounding.Run(ctx, token, parentSessionID, cfg, body)
	if err != nil {
		return Result{SessionID: parentSessionID}, newError(KindConfig, "", "run cascade-level soundings", err)
	}

	eval, err := sounding.Evaluate(ctx, r.deps.evaluator(), candidates, cfg.Evaluator)
	if err != nil {
		return Result{SessionID: parentSessionID}, newError(KindValidation, "", "cascade-level soundings evaluation", err)
	}
	if eval.IsAggregate {
		var outputs []any
		for _, cand := range candidates {
			if cand.Err == nil && !cand.Rejected {
				outputs = append(outputs, cand.Output)
			}
		}
		return Result{SessionID: parentSessionID, Output: outputs}, nil
	}

	winner := candidateByIndex(candidates, eval.WinnerIndex)
	winnerResult, ok := results[winner.SessionID]
	if !ok {
		return Result{SessionID: parentSessionID}, newError(KindConfig, "", "cascade-level soundings winner session not found", nil)
	}
	return winnerResult, nil
}
