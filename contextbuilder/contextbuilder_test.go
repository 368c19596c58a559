package contextbuilder

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/contextcard"
	contextcardinmem "github.com/cascaderun/cascade/contextcard/inmem"
	"github.com/cascaderun/cascade/eventsink"
	eventsinkinmem "github.com/cascaderun/cascade/eventsink/inmem"
	"github.com/cascaderun/cascade/trace"
)

func TestSelectHeuristicPrefersKeywordOverlapAndAnchors(t *testing.T) {
	ctx := context.Background()
	sink := eventsinkinmem.New()
	cards := contextcardinmem.New()

	require.NoError(t, sink.Append(ctx, eventsink.Record{
		SessionID: "S", TraceID: "t1", NodeType: trace.NodeAgent,
		PhaseName: "research", ContentHash: "h1",
	}))
	require.NoError(t, sink.Append(ctx, eventsink.Record{
		SessionID: "S", TraceID: "t2", NodeType: trace.NodeAgent,
		PhaseName: "research", ContentHash: "h2",
	}))
	require.NoError(t, cards.Put(ctx, contextcard.Card{
		SessionID: "S", ContentHash: "h1", PhaseName: "research",
		Keywords: []string{"billing"}, EstimatedTokens: 10,
	}))
	require.NoError(t, cards.Put(ctx, contextcard.Card{
		SessionID: "S", ContentHash: "h2", PhaseName: "research",
		Keywords: []string{"weather"}, EstimatedTokens: 10, IsAnchor: true,
	}))

	b := New(sink, cards, nil)
	sel, err := b.Select(ctx, "S", Config{
		Strategy: StrategyHeuristic, From: []string{"research"},
		Alpha: 1, Beta: 0, Gamma: 0, Keywords: []string{"billing"}, TokenBudget: 100,
	})
	require.NoError(t, err)
	assert.Len(t, sel.Messages, 2) // anchor always included, plus the overlap match
	assert.Equal(t, 2, sel.CandidateCount)
}

func TestSelectSemanticThreshold(t *testing.T) {
	ctx := context.Background()
	sink := eventsinkinmem.New()
	cards := contextcardinmem.New()

	require.NoError(t, sink.Append(ctx, eventsink.Record{
		SessionID: "S", TraceID: "t1", NodeType: trace.NodeAgent, ContentHash: "close",
	}))
	require.NoError(t, sink.Append(ctx, eventsink.Record{
		SessionID: "S", TraceID: "t2", NodeType: trace.NodeAgent, ContentHash: "far",
	}))
	require.NoError(t, cards.Put(ctx, contextcard.Card{
		SessionID: "S", ContentHash: "close", Embedding: []float32{1, 0}, EstimatedTokens: 5,
	}))
	require.NoError(t, cards.Put(ctx, contextcard.Card{
		SessionID: "S", ContentHash: "far", Embedding: []float32{0, 1}, EstimatedTokens: 5,
	}))

	b := New(sink, cards, nil)
	sel, err := b.Select(ctx, "S", Config{
		Strategy: StrategySemantic, TaskEmbedding: []float32{1, 0}, SemanticThreshold: 0.9, TokenBudget: 100,
	})
	require.NoError(t, err)
	require.Len(t, sel.Messages, 1)
	assert.Equal(t, "close", sel.Messages[0].ContentHash)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 1}, []float32{1, 1}), 1e-9)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestEventMeta(t *testing.T) {
	meta := EventMeta(Selection{Strategy: StrategyHeuristic, CandidateCount: 3, SelectedHashes: []string{"a"}, TokensSaved: 40})
	assert.Equal(t, "heuristic", meta["strategy"])
	assert.Equal(t, 3, meta["candidate_count"])
}
