// Package contextbuilder implements inter-phase context selection and
// intra-phase compression (spec.md §4.7). It reads hydrated messages and
// Context Cards from the Event Sink / Context Card store and never deletes
// anything from them — compression only changes what a given turn's
// request carries, following the teacher's own JSON-encoded budget-check
// discipline in runtime/agent/runtime/activity_input_budget.go (measure the
// marshaled size, trim deterministically, never mutate the source).
package contextbuilder

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/cascaderun/cascade/contextcard"
	"github.com/cascaderun/cascade/eventsink"
	"github.com/cascaderun/cascade/modelclient"
)

// Strategy selects the inter-phase candidate-selection algorithm.
type Strategy string

const (
	StrategyHeuristic Strategy = "heuristic"
	StrategySemantic  Strategy = "semantic"
	StrategyLLM       Strategy = "llm"
	StrategyHybrid    Strategy = "hybrid"
)

// Config parameterizes Select, mirroring cascade.ContextConfig's resolved
// (phase-or-cascade-default) values.
type Config struct {
	Strategy    Strategy
	From        []string
	Exclude     []string
	AnchorTurns int
	TokenBudget int

	// Heuristic weights (spec.md §4.7: "score = α·keyword_overlap +
	// β·recency + γ·callout_bonus").
	Alpha, Beta, Gamma float64

	// TaskEmbedding is the current task's embedding vector, required for
	// StrategySemantic.
	TaskEmbedding []float32
	// SemanticThreshold is the minimum cosine similarity to include a
	// card.
	SemanticThreshold float64

	// Keywords drives heuristic keyword_overlap scoring.
	Keywords []string
}

// Builder selects and hydrates inter-phase context, and compresses
// intra-phase context per turn.
type Builder struct {
	sink  eventsink.Sink
	cards contextcard.Store
	// Menu is used by StrategyLLM to ask a cheap model which cards to
	// keep; nil disables the llm/hybrid strategies.
	menu modelclient.Client
}

// New builds a Builder.
func New(sink eventsink.Sink, cards contextcard.Store, menu modelclient.Client) *Builder {
	return &Builder{sink: sink, cards: cards, menu: menu}
}

// Selection is the result of an inter-phase Select call: the hydrated
// messages to inject, plus the context_selection event metadata (spec.md
// §4.7 "Guarantees").
type Selection struct {
	Messages       []eventsink.Record
	Strategy       Strategy
	CandidateCount int
	SelectedHashes []string
	TokensSaved    int
}

// Select resolves cfg.From into a candidate pool of Context Cards, applies
// the configured strategy, and hydrates the winning cards back to full
// Event Records by (session_id, content_hash).
func (b *Builder) Select(ctx context.Context, sessionID string, cfg Config) (Selection, error) {
	phases := resolveFrom(cfg.From, cfg.Exclude)
	candidates, err := b.cards.ForPhases(ctx, sessionID, phases)
	if err != nil {
		return Selection{}, fmt.Errorf("contextbuilder: candidate cards: %w", err)
	}

	var selected []contextcard.Card
	switch cfg.Strategy {
	case StrategySemantic:
		selected = selectSemantic(candidates, cfg)
	case StrategyLLM:
		selected, err = b.selectLLM(ctx, candidates, cfg)
	case StrategyHybrid:
		prefiltered := selectHeuristic(candidates, cfg)
		selected, err = b.selectLLM(ctx, prefiltered, cfg)
	default:
		selected = selectHeuristic(candidates, cfg)
	}
	if err != nil {
		return Selection{}, err
	}

	hashes := make([]string, 0, len(selected))
	var tokensSaved int
	for _, c := range candidates {
		tokensSaved += c.EstimatedTokens
	}
	for _, c := range selected {
		hashes = append(hashes, c.ContentHash)
		tokensSaved -= c.EstimatedTokens
	}

	messages, err := b.hydrate(ctx, sessionID, hashes)
	if err != nil {
		return Selection{}, err
	}

	return Selection{
		Messages:       messages,
		Strategy:       cfg.Strategy,
		CandidateCount: len(candidates),
		SelectedHashes: hashes,
		TokensSaved:    tokensSaved,
	}, nil
}

func (b *Builder) hydrate(ctx context.Context, sessionID string, hashes []string) ([]eventsink.Record, error) {
	hashSet := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		hashSet[h] = true
	}
	records, err := b.sink.Query(ctx, eventsink.Query{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: hydrate: %w", err)
	}
	out := make([]eventsink.Record, 0, len(hashes))
	for _, r := range records {
		if hashSet[r.ContentHash] {
			out = append(out, r)
		}
	}
	return out, nil
}

// resolveFrom drops every name listed in exclude from from and expands no
// keywords: the runtime resolves "previous", "first" and "all" against the
// session's lineage before calling Select, since this package does not own
// session lineage.
func resolveFrom(from, exclude []string) []string {
	excluded := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		excluded[e] = true
	}
	out := make([]string, 0, len(from))
	for _, f := range from {
		if !excluded[f] {
			out = append(out, f)
		}
	}
	return out
}

func selectHeuristic(candidates []contextcard.Card, cfg Config) []contextcard.Card {
	type scored struct {
		card  contextcard.Card
		score float64
	}
	n := len(candidates)
	scoredCards := make([]scored, 0, n)
	for i, c := range candidates {
		recency := 0.0
		if n > 1 {
			recency = float64(i) / float64(n-1)
		}
		overlap := keywordOverlap(cfg.Keywords, c.Keywords)
		calloutBonus := 0.0
		if c.IsCallout {
			calloutBonus = 1.0
		}
		score := cfg.Alpha*overlap + cfg.Beta*recency + cfg.Gamma*calloutBonus
		scoredCards = append(scoredCards, scored{card: c, score: score})
	}
	sort.SliceStable(scoredCards, func(i, j int) bool { return scoredCards[i].score > scoredCards[j].score })

	var out []contextcard.Card
	budget := cfg.TokenBudget
	unbounded := budget <= 0
	for _, sc := range scoredCards {
		if sc.card.IsAnchor {
			out = append(out, sc.card)
			continue
		}
		if !unbounded && sc.card.EstimatedTokens > budget {
			continue
		}
		out = append(out, sc.card)
		budget -= sc.card.EstimatedTokens
	}
	return out
}

func keywordOverlap(query, cardKeywords []string) float64 {
	if len(query) == 0 || len(cardKeywords) == 0 {
		return 0
	}
	set := make(map[string]bool, len(cardKeywords))
	for _, k := range cardKeywords {
		set[strings.ToLower(k)] = true
	}
	var hits int
	for _, q := range query {
		if set[strings.ToLower(q)] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

func selectSemantic(candidates []contextcard.Card, cfg Config) []contextcard.Card {
	var out []contextcard.Card
	budget := cfg.TokenBudget
	unbounded := budget <= 0
	for _, c := range candidates {
		if c.IsAnchor {
			out = append(out, c)
			continue
		}
		if len(c.Embedding) == 0 {
			continue
		}
		sim := cosineSimilarity(cfg.TaskEmbedding, c.Embedding)
		if sim < cfg.SemanticThreshold {
			continue
		}
		if !unbounded && c.EstimatedTokens > budget {
			continue
		}
		out = append(out, c)
		budget -= c.EstimatedTokens
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 32; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

// menuEntry is the compact summary shown to the cheap "menu" model for
// StrategyLLM (spec.md §4.7: "a cheap model is shown a short menu of
// summaries keyed by short content hashes").
type menuEntry struct {
	Hash    string `json:"hash"`
	Summary string `json:"summary"`
}

func (b *Builder) selectLLM(ctx context.Context, candidates []contextcard.Card, cfg Config) ([]contextcard.Card, error) {
	if b.menu == nil {
		return nil, fmt.Errorf("contextbuilder: llm strategy requires a menu model client")
	}
	var anchors, pool []contextcard.Card
	menu := make([]menuEntry, 0, len(candidates))
	for _, c := range candidates {
		if c.IsAnchor {
			anchors = append(anchors, c)
			continue
		}
		pool = append(pool, c)
		menu = append(menu, menuEntry{Hash: c.ContentHash, Summary: c.Summary})
	}
	if len(pool) == 0 {
		return anchors, nil
	}
	menuJSON, err := json.Marshal(menu)
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: marshal menu: %w", err)
	}
	resp, err := b.menu.Complete(ctx, modelclient.Request{
		Messages: []modelclient.Message{
			{Role: modelclient.RoleSystem, Parts: []modelclient.Part{modelclient.TextPart{
				Text: "Choose the context entries relevant to the current task. Respond with a JSON array of chosen hashes only.",
			}}},
			{Role: modelclient.RoleUser, Parts: []modelclient.Part{modelclient.TextPart{Text: string(menuJSON)}}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("contextbuilder: menu call: %w", err)
	}
	var chosen []string
	if err := json.Unmarshal([]byte(resp.Message.Text()), &chosen); err != nil {
		return nil, fmt.Errorf("contextbuilder: parse menu response: %w", err)
	}
	chosenSet := make(map[string]bool, len(chosen))
	for _, h := range chosen {
		chosenSet[h] = true
	}
	out := append([]contextcard.Card(nil), anchors...)
	for _, c := range pool {
		if chosenSet[c.ContentHash] {
			out = append(out, c)
		}
	}
	return out, nil
}

// EventMeta builds the metadata payload for the context_selection trace
// event emitted after Select (spec.md §4.7 "Guarantees").
func EventMeta(sel Selection) map[string]any {
	return map[string]any{
		"strategy":        string(sel.Strategy),
		"candidate_count": sel.CandidateCount,
		"selected_hashes": sel.SelectedHashes,
		"tokens_saved":    sel.TokensSaved,
	}
}
