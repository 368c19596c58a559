package sounding

import (
	"context"
	"fmt"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/scheduler"
	"github.com/cascaderun/cascade/trace"
)

// ReforgeBody runs one reforge-step attempt: the honing prompt has already
// been rendered and is supplied alongside the current winner so the Phase
// Executor can inject it into the candidate's context (spec.md §4.5
// "Reforge": "each attempt's context includes the current winner ... plus
// the honing prompt").
type ReforgeBody func(ctx context.Context, sessionID string, honingPrompt string, currentWinner Candidate, mutation Mutation, model string) (Candidate, error)

// ReforgeResult is the outcome of iterating Reforge to completion: the
// final winner and how many steps actually ran (may be less than
// cfg.Steps on early stop).
type ReforgeResult struct {
	Winner     Candidate
	StepsRun   int
	EarlyStop  bool
}

// Reforge iteratively refines initialWinner for cfg.Steps rounds (spec.md
// §4.5 "Reforge (depth)"). engine renders honingPrompt each round against
// the current winner; evaluate selects each round's new winner;
// earlyStop, when non-nil, is consulted after each round and may stop
// iteration before cfg.Steps completes.
func Reforge(
	ctx context.Context,
	token scheduler.Token,
	engine *template.Engine,
	parentSessionID string,
	cfg cascade.ReforgeConfig,
	honingPrompt string,
	initialWinner Candidate,
	body ReforgeBody,
	evaluate func(ctx context.Context, candidates []Candidate) (Evaluation, error),
	earlyStop func(ctx context.Context, winner Candidate) (bool, error),
) (ReforgeResult, error) {
	winner := initialWinner
	factor := cfg.FactorPerStep
	if factor <= 0 {
		factor = 1
	}

	for step := 0; step < cfg.Steps; step++ {
		rendered, err := engine.Render(honingPrompt, template.Vars{ReforgeStep: step, Winner: winner.Output})
		if err != nil {
			return ReforgeResult{}, fmt.Errorf("sounding: reforge step %d render honing prompt: %w", step, err)
		}

		pool := scheduler.NewPool(factor)
		results, errs := scheduler.RunBestEffort(ctx, token, pool, factor, func(ctx context.Context, i int) (Candidate, error) {
			sessionID := trace.ReforgeSessionID(parentSessionID, step, i)
			mutation := Mutation{Index: i}
			cand, err := body(ctx, sessionID, rendered, winner, mutation, "")
			cand.Index = i
			cand.SessionID = sessionID
			return cand, err
		})
		for i := range results {
			if errs[i] != nil {
				results[i].Err = errs[i]
				results[i].Index = i
			}
		}

		eval, err := evaluate(ctx, results)
		if err != nil {
			return ReforgeResult{}, fmt.Errorf("sounding: reforge step %d evaluate: %w", step, err)
		}
		for _, c := range results {
			if c.Index == eval.WinnerIndex {
				winner = c
				break
			}
		}

		if earlyStop != nil {
			stop, err := earlyStop(ctx, winner)
			if err != nil {
				return ReforgeResult{}, fmt.Errorf("sounding: reforge step %d early-stop check: %w", step, err)
			}
			if stop {
				return ReforgeResult{Winner: winner, StepsRun: step + 1, EarlyStop: true}, nil
			}
		}
	}
	return ReforgeResult{Winner: winner, StepsRun: cfg.Steps}, nil
}

// CascadeEvaluatorModel is the model used by default-kind cascade-level
// soundings evaluation, separate from a phase's own evaluator model since
// a cascade-level round has no owning phase to source one from.
type CascadeEvaluatorModel = modelclient.Client
