package sounding

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cascaderun/cascade/cascade"
)

// TestEvaluateSelectsExactlyOneWinnerProperty verifies the Quantified
// Invariant (spec.md §8): for a phase with N soundings, exactly one
// candidate is selected as winner, unless the evaluator runs in aggregate
// mode (which has no single winner by design).
func TestEvaluateSelectsExactlyOneWinnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	kinds := []string{"default", "cost_aware", "pareto"}

	properties.Property("WinnerIndex names exactly one surviving candidate", prop.ForAll(
		func(costs []float64, kindIdx int) bool {
			candidates := make([]Candidate, len(costs))
			for i, cost := range costs {
				candidates[i] = Candidate{Index: i, Output: i, Cost: cost}
			}
			cfg := cascade.EvaluatorConfig{
				Kind:              kinds[kindIdx%len(kinds)],
				CostNormalization: "min_max",
				QualityWeight:     1,
				ParetoPolicy:      "balanced",
			}
			eval, err := Evaluate(context.Background(), nil, candidates, cfg)
			if err != nil {
				return false
			}
			if eval.IsAggregate {
				return false // these three kinds never aggregate
			}
			count := 0
			for _, c := range candidates {
				if c.Index == eval.WinnerIndex {
					count++
				}
			}
			return count == 1
		},
		gen.SliceOfN(5, gen.Float64Range(0, 1000)),
		gen.IntRange(0, 2),
	))

	properties.Property("aggregate evaluator reports no single winner", prop.ForAll(
		func(costs []float64) bool {
			candidates := make([]Candidate, len(costs))
			for i, cost := range costs {
				candidates[i] = Candidate{Index: i, Output: i, Cost: cost}
			}
			eval, err := Evaluate(context.Background(), nil, candidates, cascade.EvaluatorConfig{Kind: "aggregate"})
			return err == nil && eval.IsAggregate
		},
		gen.SliceOfN(5, gen.Float64Range(0, 1000)),
	))

	properties.TestingRun(t)
}

// TestApplyPreFilterFallsBackWhenAllRejectedProperty verifies the
// documented fallback edge case: if every candidate fails the
// pre-validator, all are re-included with usedFallback reported, rather
// than leaving the sounding round with zero candidates to evaluate.
func TestApplyPreFilterFallsBackWhenAllRejectedProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("rejecting every candidate falls back to including all of them", prop.ForAll(
		func(n int) bool {
			candidates := make([]Candidate, n)
			for i := range candidates {
				candidates[i] = Candidate{Index: i}
			}
			out, usedFallback := ApplyPreFilter(candidates, func(Candidate) bool { return false })
			return usedFallback && len(out) == n
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}
