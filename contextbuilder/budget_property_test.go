package contextbuilder

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cascaderun/cascade/contextcard"
)

// TestSelectHeuristicRespectsTokenBudgetProperty verifies the Quantified
// Invariant (spec.md §8): for any context-selection decision, the selected
// non-anchor message set's total estimated token count never exceeds the
// configured budget. Anchor cards are retained unconditionally by design
// (spec.md §4.7: anchor turns are never dropped), so the budget bound
// applies to the non-anchor subset of the selection.
func TestSelectHeuristicRespectsTokenBudgetProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("non-anchor selection never exceeds the token budget", prop.ForAll(
		func(tokenCosts []int, budget int) bool {
			candidates := make([]contextcard.Card, len(tokenCosts))
			for i, tc := range tokenCosts {
				candidates[i] = contextcard.Card{
					EstimatedTokens: tc,
					IsAnchor:        false,
				}
			}
			cfg := Config{TokenBudget: budget, Alpha: 1, Beta: 1, Gamma: 1}
			selected := selectHeuristic(candidates, cfg)

			total := 0
			for _, c := range selected {
				total += c.EstimatedTokens
			}
			return total <= budget
		},
		gen.SliceOf(gen.IntRange(1, 500)),
		gen.IntRange(1, 2000),
	))

	properties.Property("anchor cards are always retained regardless of budget", prop.ForAll(
		func(tokenCosts []int) bool {
			candidates := make([]contextcard.Card, len(tokenCosts))
			for i, tc := range tokenCosts {
				candidates[i] = contextcard.Card{EstimatedTokens: tc, IsAnchor: true}
			}
			selected := selectHeuristic(candidates, Config{TokenBudget: 1})
			return len(selected) == len(candidates)
		},
		gen.SliceOf(gen.IntRange(1, 500)),
	))

	properties.TestingRun(t)
}
