package sounding

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascaderun/cascade/cascade"
	"github.com/cascaderun/cascade/cascade/template"
	"github.com/cascaderun/cascade/scheduler"
)

func TestReforgeRunsConfiguredSteps(t *testing.T) {
	token := scheduler.NewToken(context.Background())
	engine := template.New()

	var attempts int
	body := func(ctx context.Context, sessionID, honingPrompt string, winner Candidate, mutation Mutation, model string) (Candidate, error) {
		attempts++
		return Candidate{Output: honingPrompt, Cost: 1.0}, nil
	}
	evaluate := func(ctx context.Context, candidates []Candidate) (Evaluation, error) {
		return Evaluation{WinnerIndex: candidates[0].Index}, nil
	}

	result, err := Reforge(context.Background(), token, engine, "S", cascade.ReforgeConfig{
		Steps: 2, FactorPerStep: 1,
	}, "refine: {{.ReforgeStep}}", Candidate{Output: "v0"}, body, evaluate, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, result.StepsRun)
	assert.Equal(t, 2, attempts)
	assert.False(t, result.EarlyStop)
}

func TestReforgeEarlyStop(t *testing.T) {
	token := scheduler.NewToken(context.Background())
	engine := template.New()

	body := func(ctx context.Context, sessionID, honingPrompt string, winner Candidate, mutation Mutation, model string) (Candidate, error) {
		return Candidate{Output: "v"}, nil
	}
	evaluate := func(ctx context.Context, candidates []Candidate) (Evaluation, error) {
		return Evaluation{WinnerIndex: candidates[0].Index}, nil
	}
	earlyStop := func(ctx context.Context, winner Candidate) (bool, error) { return true, nil }

	result, err := Reforge(context.Background(), token, engine, "S", cascade.ReforgeConfig{
		Steps: 5, FactorPerStep: 1,
	}, "refine", Candidate{Output: "v0"}, body, evaluate, earlyStop)

	require.NoError(t, err)
	assert.True(t, result.EarlyStop)
	assert.Equal(t, 1, result.StepsRun)
}
